// Package app exposes the request-layer operations as plain Go methods and
// owns the object graph built from config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/joelklabo/autoblog/internal/backend"
	"github.com/joelklabo/autoblog/internal/config"
	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/feeds"
	"github.com/joelklabo/autoblog/internal/pipeline"
	"github.com/joelklabo/autoblog/internal/proxy"
	"github.com/joelklabo/autoblog/internal/scheduler"
	"github.com/joelklabo/autoblog/internal/store"
)

// App is the coordination context shared by the CLI, the HTTP API and the
// scheduler. Proxy and backend state live in atomic holders here rather than
// in globals.
type App struct {
	cfg       *config.Config
	store     *store.Store
	proxies   *proxy.Holder
	backends  *backend.Active
	ingestor  *feeds.Ingestor
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	rec       core.Recorder
	log       *slog.Logger
}

// Scheduler returns the automation scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// RegisterFeed adds a feed source; created is false when the URL was
// already registered.
func (a *App) RegisterFeed(ctx context.Context, url, name string) (core.FeedSource, bool, error) {
	return a.ingestor.Register(ctx, url, name)
}

// ListFeeds returns every registered source.
func (a *App) ListFeeds() ([]core.FeedSource, error) {
	return a.store.ListFeedSources()
}

// FetchFeed fetches one source and returns its new items.
func (a *App) FetchFeed(ctx context.Context, id string) ([]core.FeedItem, error) {
	return a.ingestor.FetchByID(ctx, id)
}

// DefineBackend adds or replaces a named backend config without activating it.
func (a *App) DefineBackend(cfg core.BackendConfig) error {
	if err := a.backends.Define(cfg); err != nil {
		return err
	}
	return a.saveBackends()
}

// ListBackends returns the defined backend configs.
func (a *App) ListBackends() []core.BackendConfig {
	return a.backends.Configs()
}

// SetActiveBackend builds the named backend and makes it active. If the model
// cannot be loaded the previous backend stays active.
func (a *App) SetActiveBackend(name string) (core.BackendConfig, error) {
	snap, err := a.backends.ActivateByName(name)
	if err != nil {
		return core.BackendConfig{}, err
	}
	if err := a.store.SaveSetting(settingActiveBackend, name); err != nil {
		a.log.Warn("persist active backend failed", slog.String("err", err.Error()))
	}
	a.log.Info("backend activated", slog.String("name", name), slog.String("kind", string(snap.Config.Kind)))
	return snap.Config, nil
}

// ActiveBackend returns the active backend config.
func (a *App) ActiveBackend() (core.BackendConfig, error) {
	snap, err := a.backends.Current()
	if err != nil {
		return core.BackendConfig{}, err
	}
	return snap.Config, nil
}

// SetProxy replaces the proxy policy; "" means direct connections.
func (a *App) SetProxy(raw string) (string, error) {
	p, err := a.proxies.Set(raw)
	if err != nil {
		return a.proxies.Get().String(), err
	}
	if err := a.store.SaveSetting(settingProxyURL, p.String()); err != nil {
		a.log.Warn("persist proxy failed", slog.String("err", err.Error()))
	}
	return p.String(), nil
}

// Proxy returns the current proxy URL or "".
func (a *App) Proxy() string {
	return a.proxies.Get().String()
}

// GenerateNow runs the pipeline for a raw prompt.
func (a *App) GenerateNow(ctx context.Context, prompt string) (core.BlogPost, error) {
	return a.pipeline.Run(ctx, pipeline.RawPrompt{Text: prompt})
}

// GenerateFromFeed fetches a source and generates a post per new item.
func (a *App) GenerateFromFeed(ctx context.Context, sourceID, template string) ([]core.BlogPost, error) {
	return a.pipeline.RunSource(ctx, sourceID, template)
}

// AutomationRequest describes a new automation. SourceURL registers the feed
// when needed; SourceID refers to an existing one.
type AutomationRequest struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	SourceID  string    `json:"source_id,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	StartAt   time.Time `json:"start_at,omitempty"`
}

// RegisterAutomation validates and stores an automation.
func (a *App) RegisterAutomation(ctx context.Context, req AutomationRequest) (core.Automation, error) {
	sourceID := strings.TrimSpace(req.SourceID)
	if sourceID == "" && strings.TrimSpace(req.SourceURL) != "" {
		src, _, err := a.ingestor.Register(ctx, req.SourceURL, "")
		if err != nil {
			return core.Automation{}, err
		}
		sourceID = src.ID
	}
	return a.scheduler.Register(core.Automation{
		Name:           req.Name,
		Schedule:       req.Schedule,
		SourceID:       sourceID,
		PromptTemplate: req.Prompt,
		NextDueAt:      req.StartAt,
	})
}

// ListAutomations returns every automation.
func (a *App) ListAutomations() ([]core.Automation, error) {
	return a.store.ListAutomations()
}

// RecentPosts returns up to limit posts, newest first.
func (a *App) RecentPosts(limit int) ([]core.BlogPost, error) {
	return a.store.RecentPosts(limit)
}

// RecentEvents returns up to limit events, newest first, optionally only of
// one stage.
func (a *App) RecentEvents(limit int, stage string) ([]core.Event, error) {
	if stage == "" {
		return a.store.Events(limit)
	}
	all, err := a.store.Events(0)
	if err != nil {
		return nil, err
	}
	out := lo.Filter(all, func(e core.Event, _ int) bool { return e.Stage == stage })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Health reports whether a backend is active and the store answers.
func (a *App) Health() error {
	if _, err := a.backends.Current(); err != nil {
		return err
	}
	if _, _, err := a.store.Setting(settingActiveBackend); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}
