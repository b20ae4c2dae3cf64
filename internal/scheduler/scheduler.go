// Package scheduler fires automations when they are due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/metrics"
	"github.com/joelklabo/autoblog/internal/pipeline"
)

// DefaultTick is the scan interval used when none is configured.
const DefaultTick = time.Minute

// Pipeline is what an automation run invokes.
type Pipeline interface {
	Run(ctx context.Context, src pipeline.PromptSource) (core.BlogPost, error)
	RunSource(ctx context.Context, sourceID, template string) ([]core.BlogPost, error)
}

// Options configures a Scheduler.
type Options struct {
	Tick     time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	Recorder core.Recorder
}

// Scheduler scans automations on every tick and runs the due ones, each on
// its own goroutine. An occurrence is claimed in the store before it runs.
type Scheduler struct {
	store core.Store
	pipe  Pipeline
	tick  time.Duration
	now   func() time.Time
	log   *slog.Logger
	rec   core.Recorder

	mu      sync.Mutex
	running map[string]bool
	sources core.KeyedMutex
	wg      sync.WaitGroup
}

func New(st core.Store, pipe Pipeline, opts Options) *Scheduler {
	s := &Scheduler{
		store:   st,
		pipe:    pipe,
		tick:    opts.Tick,
		now:     opts.Now,
		log:     opts.Logger,
		rec:     opts.Recorder,
		running: make(map[string]bool),
	}
	if s.tick <= 0 {
		s.tick = DefaultTick
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.rec == nil {
		s.rec = core.RecorderFunc(func(core.Event) {})
	}
	return s
}

// Register validates a and stores it as a new automation. Without a
// NextDueAt the first tick fires it.
func (s *Scheduler) Register(a core.Automation) (core.Automation, error) {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return core.Automation{}, errors.New("automation name is required")
	}
	if _, err := ParseSchedule(a.Schedule); err != nil {
		return core.Automation{}, err
	}
	if a.SourceID == "" && strings.TrimSpace(a.PromptTemplate) == "" {
		return core.Automation{}, errors.New("automation needs a source or a prompt")
	}
	if a.SourceID != "" {
		if _, ok, err := s.store.FeedSource(a.SourceID); err != nil {
			return core.Automation{}, fmt.Errorf("load source: %v: %w", err, core.ErrPersistence)
		} else if !ok {
			return core.Automation{}, fmt.Errorf("feed source %s: %w", a.SourceID, core.ErrNotFound)
		}
	}
	if a.PromptTemplate != "" && a.SourceID != "" {
		if _, err := pipeline.ParseTemplate(a.PromptTemplate); err != nil {
			return core.Automation{}, err
		}
	}
	now := s.now()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = now
	a.LastRunAt = time.Time{}
	if a.NextDueAt.IsZero() {
		a.NextDueAt = now
	}
	if err := s.store.SaveAutomation(a); err != nil {
		return core.Automation{}, fmt.Errorf("save automation: %v: %w", err, core.ErrPersistence)
	}
	s.log.Info("automation registered", slog.String("id", a.ID), slog.String("name", a.Name), slog.String("schedule", a.Schedule))
	return a, nil
}

// Start ticks immediately and then every interval until ctx ends, then waits
// for in-flight runs.
func (s *Scheduler) Start(ctx context.Context) error {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	defer s.Wait()

	s.log.Info("scheduler started", slog.Duration("tick", s.tick))
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Error("scheduler tick failed", slog.String("err", err.Error()))
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return nil
		case <-t.C:
		}
	}
}

// Wait blocks until every started run has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Tick claims and starts every due automation that is not already running.
// It returns how many runs were started.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	all, err := s.store.ListAutomations()
	if err != nil {
		return 0, fmt.Errorf("list automations: %w", err)
	}
	now := s.now()

	s.mu.Lock()
	due := lo.Filter(all, func(a core.Automation, _ int) bool {
		return !a.NextDueAt.After(now) && !s.running[a.ID]
	})
	for _, a := range due {
		s.running[a.ID] = true
	}
	s.mu.Unlock()

	started := 0
	for _, a := range due {
		claimed, err := s.claim(a, now)
		if err != nil {
			s.release(a.ID)
			s.event(core.LevelError, a, "automation claim failed", err)
			continue
		}
		started++
		s.wg.Add(1)
		go s.run(ctx, claimed)
	}
	return started, nil
}

// claim records the occurrence as taken before the run starts, so a crash
// during the run does not repeat it.
func (s *Scheduler) claim(a core.Automation, now time.Time) (core.Automation, error) {
	period, err := ParseSchedule(a.Schedule)
	if err != nil {
		return a, err
	}
	a.LastRunAt = now
	a.NextDueAt = NextDue(a.NextDueAt, now, period)
	if err := s.store.UpdateAutomation(a); err != nil {
		return a, fmt.Errorf("claim: %v: %w", err, core.ErrPersistence)
	}
	return a, nil
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, a core.Automation) {
	defer s.wg.Done()
	defer s.release(a.ID)

	if a.SourceID != "" {
		unlock := s.sources.Lock(a.SourceID)
		defer unlock()
	}

	var err error
	posts := 0
	if a.SourceID != "" {
		var out []core.BlogPost
		out, err = s.pipe.RunSource(ctx, a.SourceID, a.PromptTemplate)
		posts = len(out)
	} else {
		_, err = s.pipe.Run(ctx, pipeline.RawPrompt{Text: a.PromptTemplate})
		if err == nil {
			posts = 1
		}
	}
	if err != nil {
		metrics.IncAutomationRun("error")
		s.event(core.LevelError, a, "automation run failed", err)
		return
	}
	metrics.IncAutomationRun("ok")
	s.rec.Record(core.Event{
		Level:     core.LevelInfo,
		Stage:     core.StageScheduler,
		Message:   "automation run ok",
		Timestamp: s.now(),
		Fields: map[string]string{
			"automation": a.ID,
			"name":       a.Name,
			"posts":      fmt.Sprint(posts),
			"next_due":   a.NextDueAt.Format(time.RFC3339),
		},
	})
}

func (s *Scheduler) event(level core.Level, a core.Automation, msg string, err error) {
	fields := map[string]string{"automation": a.ID, "name": a.Name}
	if err != nil {
		fields["error"] = err.Error()
		if stage := core.StageOf(err); stage != "" {
			fields["pipeline_stage"] = stage
		}
	}
	s.rec.Record(core.Event{Level: level, Stage: core.StageScheduler, Message: msg, Timestamp: s.now(), Fields: fields})
}
