package feeds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/proxy"
	"github.com/joelklabo/autoblog/internal/store"
)

const rssAB = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>t</title>
<item><title>A</title><link>https://example.com/a</link><guid>a</guid><description>&lt;p&gt;Alpha &lt;b&gt;news&lt;/b&gt;&lt;/p&gt;</description><pubDate>Mon, 02 Jan 2006 15:04:05 -0700</pubDate></item>
<item><title>B</title><link>https://example.com/b</link><guid>b</guid></item>
</channel></rss>`

const rssABC = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>t</title>
<item><title>C</title><link>https://example.com/c</link><guid>c</guid></item>
<item><title>A</title><link>https://example.com/a</link><guid>a</guid></item>
<item><title>B</title><link>https://example.com/b</link><guid>b</guid></item>
</channel></rss>`

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type feedServer struct {
	mu     sync.Mutex
	body   string
	status int
	etag   string
	hits   atomic.Int32
	lastIf atomic.Value
}

func (f *feedServer) set(body string, status int, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.status, f.etag = body, status, etag
}

func (f *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	f.lastIf.Store(r.Header.Get("If-None-Match"))
	f.mu.Lock()
	body, status, etag := f.body, f.status, f.etag
	f.mu.Unlock()
	if etag != "" {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, body)
}

func titles(items []core.FeedItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Title)
	}
	return out
}

func TestRegisterAndFetchThroughProxy(t *testing.T) {
	// The fake server acts as the proxy, so example.com is never resolved.
	fs := &feedServer{}
	fs.set(rssAB, 0, "")
	srv := httptest.NewServer(fs)
	defer srv.Close()

	holder := proxy.NewHolder(proxy.Policy{})
	_, err := holder.Set(srv.URL)
	require.NoError(t, err)
	st := newTestStore(t)
	in := New(st, holder, Options{})

	src, created, err := in.Register(context.Background(), "http://example.com/rss", "Example")
	require.NoError(t, err)
	require.True(t, created)

	first, err := in.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, titles(first))
	assert.Equal(t, "Alpha news", first[0].Summary)
	assert.False(t, first[0].PublishedAt.IsZero())

	second, err := in.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Empty(t, second)

	// New body with one new item: only that item comes back.
	fs.set(rssABC, 0, "")
	third, err := in.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, titles(third))

	again, created, err := in.Register(context.Background(), "http://example.com/rss", "dup")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, src.ID, again.ID)
}

func TestETagNotModifiedAdvancesLastFetched(t *testing.T) {
	fs := &feedServer{}
	fs.set(rssAB, 0, `"v1"`)
	srv := httptest.NewServer(fs)
	defer srv.Close()

	st := newTestStore(t)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := New(st, nil, Options{Now: func() time.Time { return clock }})
	src, _, err := in.Register(context.Background(), srv.URL+"/feed", "")
	require.NoError(t, err)

	items, err := in.Fetch(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, items, 2)

	clock = clock.Add(time.Hour)
	items, err = in.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, `"v1"`, fs.lastIf.Load())

	saved, _, _ := st.FeedSource(src.ID)
	assert.True(t, clock.Equal(saved.LastFetchedAt), "last fetched %v", saved.LastFetchedAt)
	assert.Equal(t, `"v1"`, saved.ETag)
}

func TestFetchFailureLeavesStateUntouched(t *testing.T) {
	fs := &feedServer{}
	fs.set(rssAB, 0, "")
	srv := httptest.NewServer(fs)
	defer srv.Close()

	st := newTestStore(t)
	in := New(st, nil, Options{})
	src, _, err := in.Register(context.Background(), srv.URL, "")
	require.NoError(t, err)
	_, err = in.Fetch(context.Background(), src)
	require.NoError(t, err)
	before, _, _ := st.FeedSource(src.ID)

	fs.set("oops", http.StatusInternalServerError, "")
	_, err = in.Fetch(context.Background(), src)
	require.ErrorIs(t, err, core.ErrFeedFetch)

	fs.set("<html><body>not a feed</body></html>", 0, "")
	_, err = in.Fetch(context.Background(), src)
	require.ErrorIs(t, err, core.ErrFeedParse)

	after, _, _ := st.FeedSource(src.ID)
	assert.Equal(t, before, after)
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	st := newTestStore(t)
	in := New(st, nil, Options{Timeout: 100 * time.Millisecond})
	src, _, err := in.Register(context.Background(), srv.URL, "")
	require.NoError(t, err)
	_, err = in.Fetch(context.Background(), src)
	require.ErrorIs(t, err, core.ErrFeedFetch)
}

func TestConcurrentFetchesYieldEachItemOnce(t *testing.T) {
	fs := &feedServer{}
	fs.set(rssABC, 0, "")
	srv := httptest.NewServer(fs)
	defer srv.Close()

	st := newTestStore(t)
	in := New(st, nil, Options{})
	src, _, err := in.Register(context.Background(), srv.URL, "")
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := in.Fetch(context.Background(), src)
			if err != nil {
				t.Errorf("fetch: %v", err)
				return
			}
			mu.Lock()
			for _, it := range items {
				seen[it.GUID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
}

func TestRegisterRejectsBadURL(t *testing.T) {
	in := New(newTestStore(t), nil, Options{})
	for _, raw := range []string{"", "ftp://x/feed", "http://", "not a url"} {
		_, _, err := in.Register(context.Background(), raw, "")
		assert.Error(t, err, raw)
	}
}

func TestFetchByIDUnknown(t *testing.T) {
	in := New(newTestStore(t), nil, Options{})
	_, err := in.FetchByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}
