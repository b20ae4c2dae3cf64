package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelklabo/autoblog/internal/backend"
	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/store"
)

type fakeBackend struct {
	reply string
	err   error
	seen  []string
}

func (f *fakeBackend) Generate(ctx context.Context, prompt string, maxLength int) (core.GeneratedText, error) {
	f.seen = append(f.seen, prompt)
	if f.err != nil {
		return core.GeneratedText{}, f.err
	}
	return core.GeneratedText{Text: f.reply}, nil
}

type fixedBackends struct {
	snap backend.Snapshot
	err  error
}

func (f fixedBackends) Current() (backend.Snapshot, error) { return f.snap, f.err }

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (l *eventLog) Record(evt core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Stage+":"+e.Message)
	}
	return out
}

type failingStore struct{ core.Store }

func (failingStore) InsertPost(core.BlogPost) (uint64, error) { return 0, errors.New("disk full") }

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func withBackend(b core.Backend) fixedBackends {
	return fixedBackends{snap: backend.Snapshot{Config: core.BackendConfig{Name: "fake", Kind: core.KindLocal}, Backend: b}}
}

func TestRunRawPrompt(t *testing.T) {
	st := newStore(t)
	fb := &fakeBackend{reply: "  Hello\r\nworld\x07  "}
	events := &eventLog{}
	p := New(Config{}, withBackend(fb), st, nil, events, nil)

	post, err := p.Run(context.Background(), RawPrompt{Text: "  First line\nsecond line  "})
	require.NoError(t, err)
	assert.Equal(t, "Hello\nworld", post.Content)
	assert.Equal(t, "First line", post.Title)
	assert.Equal(t, "fake", post.Backend)
	assert.NotZero(t, post.ID)
	assert.Equal(t, []string{"First line\nsecond line"}, fb.seen)

	stored, err := st.RecentPosts(10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, post.ID, stored[0].ID)

	assert.Equal(t, []string{"generate:generate started", "generate:generate ok", "persist:post stored"}, events.messages())
}

func TestRunInvalidPrompt(t *testing.T) {
	fb := &fakeBackend{reply: "x"}
	p := New(Config{MaxPromptLength: 5}, withBackend(fb), newStore(t), nil, nil, nil)

	for _, text := range []string{"", "   ", "too long prompt"} {
		_, err := p.Run(context.Background(), RawPrompt{Text: text})
		require.ErrorIs(t, err, core.ErrInvalidPrompt, text)
		assert.Equal(t, core.StageGenerate, core.StageOf(err))
	}
	assert.Empty(t, fb.seen)
}

func TestRunFeedItemUsesTemplate(t *testing.T) {
	fb := &fakeBackend{reply: "body"}
	p := New(Config{}, withBackend(fb), newStore(t), nil, nil, nil)
	item := core.FeedItem{SourceID: "s", GUID: "g", Title: "Go 1.24", Link: "https://go.dev/blog", Summary: "release notes"}

	post, err := p.Run(context.Background(), FeedItem{Item: item})
	require.NoError(t, err)
	assert.Equal(t, `Write a blog post about "Go 1.24". Source: https://go.dev/blog`, fb.seen[0])
	assert.Equal(t, `Write a blog post about "Go 1.24". Source: https://go.dev/blog`, post.Title)
	assert.Equal(t, "https://go.dev/blog", post.SourceURL)

	_, err = p.Run(context.Background(), FeedItem{Item: item, Template: "Summarize: {{.Summary}}"})
	require.NoError(t, err)
	assert.Equal(t, "Summarize: release notes", fb.seen[1])

	_, err = p.Run(context.Background(), FeedItem{Item: item, Template: "{{.Missing}}"})
	require.ErrorIs(t, err, core.ErrInvalidPrompt)
	assert.Equal(t, core.StageIngest, core.StageOf(err))
}

func TestRunBackendErrorsWrapGenerate(t *testing.T) {
	st := newStore(t)
	fb := &fakeBackend{err: core.ErrBackendTimeout}
	p := New(Config{}, withBackend(fb), st, nil, nil, nil)

	_, err := p.Run(context.Background(), RawPrompt{Text: "hi"})
	require.ErrorIs(t, err, core.ErrBackendTimeout)
	var pe *core.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, core.StageGenerate, pe.Stage)

	posts, _ := st.RecentPosts(10)
	assert.Empty(t, posts)
}

func TestRunEmptyOutputRejected(t *testing.T) {
	p := New(Config{}, withBackend(&fakeBackend{reply: "\x00\x01  \r\n"}), newStore(t), nil, nil, nil)
	_, err := p.Run(context.Background(), RawPrompt{Text: "hi"})
	require.ErrorIs(t, err, core.ErrBackendRejected)
	assert.Equal(t, core.StageGenerate, core.StageOf(err))
}

func TestRunNoActiveBackend(t *testing.T) {
	p := New(Config{}, fixedBackends{err: backend.ErrNoActive}, newStore(t), nil, nil, nil)
	_, err := p.Run(context.Background(), RawPrompt{Text: "hi"})
	require.ErrorIs(t, err, core.ErrModelUnavailable)
}

func TestRunPersistenceFailure(t *testing.T) {
	events := &eventLog{}
	p := New(Config{}, withBackend(&fakeBackend{reply: "text"}), failingStore{}, nil, events, nil)
	_, err := p.Run(context.Background(), RawPrompt{Text: "hi"})
	require.ErrorIs(t, err, core.ErrPersistence)
	assert.Equal(t, core.StagePersist, core.StageOf(err))
	msgs := events.messages()
	assert.Equal(t, "persist:persist failed", msgs[len(msgs)-1])
}

type fakeIngestor struct {
	items []core.FeedItem
	err   error
}

func (f fakeIngestor) FetchByID(ctx context.Context, id string) ([]core.FeedItem, error) {
	return f.items, f.err
}

type pickyBackend struct{}

func (pickyBackend) Generate(ctx context.Context, prompt string, maxLength int) (core.GeneratedText, error) {
	if strings.Contains(prompt, "bad") {
		return core.GeneratedText{}, core.ErrBackendRejected
	}
	return core.GeneratedText{Text: "post for " + prompt}, nil
}

func TestRunSourceCollectsItemErrors(t *testing.T) {
	items := []core.FeedItem{
		{SourceID: "s", GUID: "1", Title: "good one", Link: "https://x/1"},
		{SourceID: "s", GUID: "2", Title: "bad one", Link: "https://x/2"},
		{SourceID: "s", GUID: "3", Title: "good two", Link: "https://x/3"},
	}
	p := New(Config{}, withBackend(pickyBackend{}), newStore(t), fakeIngestor{items: items}, nil, nil)

	posts, err := p.RunSource(context.Background(), "s", "")
	require.Len(t, posts, 2)
	require.ErrorIs(t, err, core.ErrBackendRejected)
	assert.Contains(t, posts[0].Title, "good one")
	assert.Contains(t, posts[1].Title, "good two")
}

func TestRunFeedItemTitleFromRenderedPrompt(t *testing.T) {
	fb := &fakeBackend{reply: "body"}
	p := New(Config{}, withBackend(fb), newStore(t), nil, nil, nil)
	item := core.FeedItem{SourceID: "s", GUID: "g", Title: "Item title", Link: "https://x/1", Summary: "sum"}

	post, err := p.Run(context.Background(), FeedItem{Item: item, Template: "Recap of {{.Summary}}\nMore: {{.Link}}"})
	require.NoError(t, err)
	assert.Equal(t, "Recap of sum", post.Title)
}

func TestRunSourceRunsRecordedItemsOnPartialIngest(t *testing.T) {
	items := []core.FeedItem{
		{SourceID: "s", GUID: "1", Title: "first", Link: "https://x/1"},
		{SourceID: "s", GUID: "2", Title: "second", Link: "https://x/2"},
	}
	fb := &fakeBackend{reply: "body"}
	st := newStore(t)
	p := New(Config{}, withBackend(fb), st, fakeIngestor{items: items, err: core.ErrPersistence}, nil, nil)

	posts, err := p.RunSource(context.Background(), "s", "")
	require.ErrorIs(t, err, core.ErrPersistence)
	assert.Equal(t, core.StageIngest, core.StageOf(err))
	require.Len(t, posts, 2)
	assert.Len(t, fb.seen, 2)
	stored, err := st.RecentPosts(10)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestRunSourceIngestFailure(t *testing.T) {
	p := New(Config{}, withBackend(pickyBackend{}), newStore(t), fakeIngestor{err: core.ErrFeedFetch}, nil, nil)
	_, err := p.RunSource(context.Background(), "s", "")
	require.ErrorIs(t, err, core.ErrFeedFetch)
	assert.Equal(t, core.StageIngest, core.StageOf(err))
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{in: "a\r\nb", want: "a\nb"},
		{in: "tab\there", want: "tab\there"},
		{in: "bell\x07 gone", want: "bell gone"},
		{in: "  padded  ", want: "padded"},
		{in: "héllo wörld", max: 5, want: "héllo"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in, tt.max); got != tt.want {
			t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
