package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/joelklabo/autoblog/internal/backend"
	"github.com/joelklabo/autoblog/internal/backends/local"
	"github.com/joelklabo/autoblog/internal/backends/remote"
	"github.com/joelklabo/autoblog/internal/config"
	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/feeds"
	"github.com/joelklabo/autoblog/internal/observe"
	"github.com/joelklabo/autoblog/internal/pipeline"
	"github.com/joelklabo/autoblog/internal/proxy"
	"github.com/joelklabo/autoblog/internal/scheduler"
	"github.com/joelklabo/autoblog/internal/store"
)

// Setting keys persisted in the store.
const (
	settingProxyURL      = "proxy_url"
	settingActiveBackend = "active_backend"
	settingBackends      = "backends"
)

// Option tweaks Build.
type Option func(*buildOptions)

type buildOptions struct {
	remoteOpts []remote.Option
	schedOpts  scheduler.Options
}

// WithRemoteOptions passes options to every remote backend built.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(o *buildOptions) { o.remoteOpts = append(o.remoteOpts, opts...) }
}

// WithSchedulerOptions overrides scheduler options; Logger and Recorder are
// filled in when left nil.
func WithSchedulerOptions(opts scheduler.Options) Option {
	return func(o *buildOptions) { o.schedOpts = opts }
}

// Build wires store, proxy, backends, ingestor, pipeline and scheduler from
// config. Settings saved by earlier runs (proxy, active backend, backends
// defined at runtime) take precedence over the file. The configured active
// backend must load.
func Build(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	a := &App{cfg: cfg, store: st, log: logger}
	a.rec = observe.New(logger, st)

	policy, err := proxy.Parse(cfg.Proxy.URL)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	a.proxies = proxy.NewHolder(policy)
	if saved, ok, err := st.Setting(settingProxyURL); err != nil {
		return nil, fmt.Errorf("load proxy setting: %w", err)
	} else if ok {
		if _, err := a.proxies.Set(saved); err != nil {
			logger.Warn("ignoring saved proxy", slog.String("err", err.Error()))
		}
	}

	reg := backend.NewRegistry()
	reg.MustRegister(core.KindLocal, local.Constructor)
	reg.MustRegister(core.KindRemote, remote.Constructor(a.proxies, bo.remoteOpts...))
	a.backends = backend.NewActive(reg)
	for _, b := range cfg.Backends {
		if err := a.backends.Define(b); err != nil {
			return nil, err
		}
	}
	if err := a.loadDefinedBackends(); err != nil {
		return nil, err
	}
	if err := a.activateInitial(); err != nil {
		return nil, err
	}

	a.ingestor = feeds.New(st, a.proxies, feeds.Options{
		Timeout:   cfg.FeedTimeout(),
		UserAgent: cfg.Feeds.UserAgent,
		Logger:    logger,
	})
	a.pipeline = pipeline.New(pipeline.Config{
		MaxPromptLength:  cfg.Pipeline.MaxPromptLength,
		MaxLength:        cfg.Pipeline.MaxLength,
		MaxContentLength: cfg.Pipeline.MaxContentLength,
		DefaultTemplate:  cfg.Pipeline.DefaultTemplate,
	}, a.backends, st, a.ingestor, a.rec, logger)

	so := bo.schedOpts
	if so.Tick == 0 {
		so.Tick = cfg.Tick()
	}
	if so.Logger == nil {
		so.Logger = logger
	}
	if so.Recorder == nil {
		so.Recorder = a.rec
	}
	a.scheduler = scheduler.New(st, a.pipeline, so)

	if err := a.seed(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) loadDefinedBackends() error {
	raw, ok, err := a.store.Setting(settingBackends)
	if err != nil || !ok {
		return err
	}
	var defs []core.BackendConfig
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		a.log.Warn("ignoring saved backends", slog.String("err", err.Error()))
		return nil
	}
	for _, d := range defs {
		if err := a.backends.Define(d); err != nil {
			a.log.Warn("ignoring saved backend", slog.String("name", d.Name), slog.String("err", err.Error()))
		}
	}
	return nil
}

func (a *App) activateInitial() error {
	if saved, ok, err := a.store.Setting(settingActiveBackend); err != nil {
		return fmt.Errorf("load active backend setting: %w", err)
	} else if ok && saved != "" {
		_, err := a.backends.ActivateByName(saved)
		if err == nil {
			return nil
		}
		a.log.Warn("saved backend unavailable, using configured one", slog.String("name", saved), slog.String("err", err.Error()))
	}
	if _, err := a.backends.ActivateByName(a.cfg.ActiveBackend); err != nil {
		return fmt.Errorf("active backend: %w", err)
	}
	return nil
}

// seed registers configured feeds and automations. Both are idempotent: feeds
// dedupe by URL and automations by name.
func (a *App) seed(ctx context.Context) error {
	for _, s := range a.cfg.Feeds.Sources {
		if _, _, err := a.ingestor.Register(ctx, s.URL, s.Name); err != nil {
			return fmt.Errorf("seed feed %s: %w", s.URL, err)
		}
	}
	if len(a.cfg.Automations) == 0 {
		return nil
	}
	existing, err := a.store.ListAutomations()
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(existing))
	for _, e := range existing {
		names[e.Name] = true
	}
	for _, ac := range a.cfg.Automations {
		if names[ac.Name] {
			continue
		}
		if _, err := a.RegisterAutomation(ctx, AutomationRequest{
			Name:      ac.Name,
			Schedule:  ac.Schedule,
			SourceURL: ac.Source,
			Prompt:    ac.Prompt,
		}); err != nil {
			return fmt.Errorf("seed automation %s: %w", ac.Name, err)
		}
	}
	return nil
}

func (a *App) saveBackends() error {
	data, err := json.Marshal(a.backends.Configs())
	if err != nil {
		return err
	}
	return a.store.SaveSetting(settingBackends, string(data))
}
