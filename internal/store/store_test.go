package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joelklabo/autoblog/internal/core"
)

func newTempStore(t *testing.T) (*Store, func()) {
	t.Helper()
	dir := t.TempDir()
	st, err := New(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st, func() { _ = st.Close() }
}

func TestPostsAppendAndRecent(t *testing.T) {
	st, cleanup := newTempStore(t)
	defer cleanup()

	for _, title := range []string{"one", "two", "three"} {
		if _, err := st.InsertPost(core.BlogPost{Title: title, Content: "body " + title}); err != nil {
			t.Fatalf("insert %s: %v", title, err)
		}
	}
	posts, err := st.RecentPosts(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(posts) != 2 || posts[0].Title != "three" || posts[1].Title != "two" {
		t.Fatalf("unexpected posts %+v", posts)
	}
	if posts[0].ID != 3 || posts[0].CreatedAt.IsZero() {
		t.Fatalf("expected id 3 with timestamp, got %+v", posts[0])
	}
}

func TestInsertFeedItemDedup(t *testing.T) {
	st, cleanup := newTempStore(t)
	defer cleanup()

	item := core.FeedItem{SourceID: "s1", GUID: "g1", Title: "A"}
	if ok, err := st.InsertFeedItem(item); err != nil || !ok {
		t.Fatalf("first insert: %v %v", ok, err)
	}
	if ok, err := st.InsertFeedItem(item); err != nil || ok {
		t.Fatalf("second insert should be a no-op: %v %v", ok, err)
	}
	// same guid under another source is a different item
	if ok, _ := st.InsertFeedItem(core.FeedItem{SourceID: "s2", GUID: "g1"}); !ok {
		t.Fatalf("expected insert for other source")
	}
	if has, _ := st.HasFeedItem("s1", "g1"); !has {
		t.Fatalf("expected item recorded")
	}
	if has, _ := st.HasFeedItem("s1", "g2"); has {
		t.Fatalf("unexpected item")
	}
	if _, err := st.InsertFeedItem(core.FeedItem{SourceID: "s1"}); err == nil {
		t.Fatalf("expected error for empty guid")
	}
}

func TestInsertFeedItemConcurrentSingleWinner(t *testing.T) {
	st, cleanup := newTempStore(t)
	defer cleanup()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.InsertFeedItem(core.FeedItem{SourceID: "s", GUID: "same"})
			if err != nil {
				t.Errorf("insert: %v", err)
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one insert, got %d", wins)
	}
}

func TestFeedSources(t *testing.T) {
	st, cleanup := newTempStore(t)
	defer cleanup()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = st.SaveFeedSource(core.FeedSource{ID: "b", URL: "https://b", CreatedAt: base.Add(time.Hour)})
	_ = st.SaveFeedSource(core.FeedSource{ID: "a", URL: "https://a", CreatedAt: base})

	src, ok, err := st.FeedSource("b")
	if err != nil || !ok || src.URL != "https://b" {
		t.Fatalf("lookup: %+v %v %v", src, ok, err)
	}
	if _, ok, _ := st.FeedSource("missing"); ok {
		t.Fatalf("unexpected source")
	}
	all, err := st.ListFeedSources()
	if err != nil || len(all) != 2 || all[0].ID != "a" {
		t.Fatalf("unexpected list %+v %v", all, err)
	}
}

func TestAutomations(t *testing.T) {
	st, cleanup := newTempStore(t)
	defer cleanup()

	a := core.Automation{ID: "x", Name: "daily", Schedule: "@daily", CreatedAt: time.Now()}
	if err := st.SaveAutomation(a); err != nil {
		t.Fatalf("save: %v", err)
	}
	a.NextDueAt = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := st.UpdateAutomation(a); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, _ := st.ListAutomations()
	if len(list) != 1 || !list[0].NextDueAt.Equal(a.NextDueAt) {
		t.Fatalf("unexpected automations %+v", list)
	}
	if err := st.UpdateAutomation(core.Automation{ID: "nope"}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventsTrimmed(t *testing.T) {
	st, cleanup := newTempStore(t)
	defer cleanup()
	oldMax := eventMaxEntries
	eventMaxEntries = 2
	defer func() { eventMaxEntries = oldMax }()

	for _, msg := range []string{"e1", "e2", "e3"} {
		if err := st.AppendEvent(core.Event{Level: core.LevelInfo, Stage: core.StageGenerate, Message: msg}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	evts, err := st.Events(10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 2 || evts[0].Message != "e3" || evts[1].Message != "e2" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestSettingsPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	st, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := st.SaveSetting("proxy_url", "http://proxy:1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = st.Close()

	st, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	v, ok, err := st.Setting("proxy_url")
	if err != nil || !ok || v != "http://proxy:1" {
		t.Fatalf("unexpected setting %q %v %v", v, ok, err)
	}
	if _, ok, _ := st.Setting("missing"); ok {
		t.Fatalf("unexpected setting")
	}
}
