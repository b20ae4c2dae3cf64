package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/pipeline"
	"github.com/joelklabo/autoblog/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakePipeline counts runs per source and can block or fail them.
type fakePipeline struct {
	mu       sync.Mutex
	runs     map[string]int
	fail     map[string]bool
	gate     chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{runs: map[string]int{}, fail: map[string]bool{}}
}

func (f *fakePipeline) enter(key string) error {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer f.inFlight.Add(-1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[key]++
	if f.fail[key] {
		return &core.PipelineError{Stage: core.StageGenerate, Err: core.ErrBackendRejected}
	}
	return nil
}

func (f *fakePipeline) Run(ctx context.Context, src pipeline.PromptSource) (core.BlogPost, error) {
	raw := src.(pipeline.RawPrompt)
	return core.BlogPost{}, f.enter("raw:" + raw.Text)
}

func (f *fakePipeline) RunSource(ctx context.Context, sourceID, template string) ([]core.BlogPost, error) {
	return nil, f.enter(sourceID)
}

func (f *fakePipeline) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[key]
}

type eventSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *eventSink) Record(evt core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *eventSink) errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Level == core.LevelError {
			n++
		}
	}
	return n
}

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.Store, *fakeClock) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SaveFeedSource(core.FeedSource{ID: "feed-1", URL: "https://example.com/rss", CreatedAt: t0}))
	require.NoError(t, st.SaveFeedSource(core.FeedSource{ID: "feed-2", URL: "https://example.org/rss", CreatedAt: t0}))
	return st, &fakeClock{t: t0}
}

func TestSingleCatchUpAfterMissedTicks(t *testing.T) {
	st, clock := setup(t)
	pipe := newFakePipeline()
	s := New(st, pipe, Options{Now: clock.Now})

	a, err := s.Register(core.Automation{Name: "every minute", Schedule: "60s", SourceID: "feed-1"})
	require.NoError(t, err)
	assert.True(t, a.NextDueAt.Equal(t0))

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, pipe.count("feed-1"))

	clock.Set(t0.Add(125 * time.Second))
	n, err = s.Tick(context.Background())
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, pipe.count("feed-1"))

	n, _ = s.Tick(context.Background())
	s.Wait()
	assert.Equal(t, 0, n)

	list, err := st.ListAutomations()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].NextDueAt.Equal(t0.Add(180*time.Second)), "next due %v", list[0].NextDueAt)
	assert.True(t, list[0].LastRunAt.Equal(t0.Add(125*time.Second)))
}

func TestClaimPersistsBeforeRun(t *testing.T) {
	st, clock := setup(t)
	pipe := newFakePipeline()
	pipe.gate = make(chan struct{})
	s := New(st, pipe, Options{Now: clock.Now})
	_, err := s.Register(core.Automation{Name: "a", Schedule: "@hourly", PromptTemplate: "hello"})
	require.NoError(t, err)

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A second scheduler on the same store, as after a restart mid-run,
	// must not see the occurrence as due.
	restarted := New(st, pipe, Options{Now: clock.Now})
	n, err = restarted.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	close(pipe.gate)
	s.Wait()
	restarted.Wait()
	assert.Equal(t, 1, pipe.count("raw:hello"))
}

func TestRunningAutomationNotRestarted(t *testing.T) {
	st, clock := setup(t)
	pipe := newFakePipeline()
	pipe.gate = make(chan struct{})
	s := New(st, pipe, Options{Now: clock.Now})
	_, err := s.Register(core.Automation{Name: "a", Schedule: "1s", SourceID: "feed-1"})
	require.NoError(t, err)

	n, _ := s.Tick(context.Background())
	require.Equal(t, 1, n)

	// Long past the next occurrence, but the first run is still going.
	clock.Set(t0.Add(time.Minute))
	done := make(chan int)
	go func() {
		n, _ := s.Tick(context.Background())
		done <- n
	}()
	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatalf("tick blocked on a running automation")
	}

	close(pipe.gate)
	s.Wait()
	assert.Equal(t, 1, pipe.count("feed-1"))
}

func TestSameSourceSerializedOtherSourcesOverlap(t *testing.T) {
	st, clock := setup(t)
	pipe := newFakePipeline()
	s := New(st, pipe, Options{Now: clock.Now})
	for _, name := range []string{"x", "y", "z"} {
		_, err := s.Register(core.Automation{Name: name, Schedule: "1m", SourceID: "feed-1"})
		require.NoError(t, err)
	}

	pipe.gate = make(chan struct{})
	n, _ := s.Tick(context.Background())
	require.Equal(t, 3, n)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, pipe.inFlight.Load())
	close(pipe.gate)
	s.Wait()
	assert.EqualValues(t, 1, pipe.peak.Load())
	assert.Equal(t, 3, pipe.count("feed-1"))

	// Different sources run at the same time.
	pipe2 := newFakePipeline()
	pipe2.gate = make(chan struct{})
	s2 := New(st, pipe2, Options{Now: clock.Now})
	_, err := s2.Register(core.Automation{Name: "other", Schedule: "1m", SourceID: "feed-2"})
	require.NoError(t, err)
	clock.Set(t0.Add(time.Minute))
	n, _ = s2.Tick(context.Background())
	require.Equal(t, 4, n)
	require.Eventually(t, func() bool { return pipe2.inFlight.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(pipe2.gate)
	s2.Wait()
}

func TestFailureIsolatedAndStaysScheduled(t *testing.T) {
	st, clock := setup(t)
	pipe := newFakePipeline()
	pipe.fail["feed-1"] = true
	sink := &eventSink{}
	s := New(st, pipe, Options{Now: clock.Now, Recorder: sink})

	_, err := s.Register(core.Automation{Name: "broken", Schedule: "1m", SourceID: "feed-1"})
	require.NoError(t, err)
	_, err = s.Register(core.Automation{Name: "fine", Schedule: "1m", SourceID: "feed-2"})
	require.NoError(t, err)

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, pipe.count("feed-2"))
	assert.Equal(t, 1, sink.errors())

	clock.Set(t0.Add(time.Minute))
	n, _ = s.Tick(context.Background())
	s.Wait()
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, pipe.count("feed-1"))
}

func TestRegisterValidation(t *testing.T) {
	st, clock := setup(t)
	s := New(st, newFakePipeline(), Options{Now: clock.Now})

	_, err := s.Register(core.Automation{Name: "", Schedule: "1m", PromptTemplate: "x"})
	assert.Error(t, err)
	_, err = s.Register(core.Automation{Name: "a", Schedule: "soon", PromptTemplate: "x"})
	assert.Error(t, err)
	_, err = s.Register(core.Automation{Name: "a", Schedule: "1m"})
	assert.Error(t, err)
	_, err = s.Register(core.Automation{Name: "a", Schedule: "1m", SourceID: "missing"})
	assert.True(t, errors.Is(err, core.ErrNotFound))

	start := t0.Add(time.Hour)
	a, err := s.Register(core.Automation{Name: "later", Schedule: "1m", PromptTemplate: "x", NextDueAt: start})
	require.NoError(t, err)
	assert.True(t, a.NextDueAt.Equal(start))
	n, _ := s.Tick(context.Background())
	s.Wait()
	assert.Equal(t, 0, n)
}

func TestStartTicksImmediatelyAndStops(t *testing.T) {
	st, clock := setup(t)
	pipe := newFakePipeline()
	s := New(st, pipe, Options{Now: clock.Now, Tick: 10 * time.Millisecond})
	_, err := s.Register(core.Automation{Name: "a", Schedule: "1h", SourceID: "feed-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return pipe.count("feed-1") == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Start did not return after cancel")
	}
	// Clock did not move, so the hourly automation ran once despite many ticks.
	assert.Equal(t, 1, pipe.count("feed-1"))
}
