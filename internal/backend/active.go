package backend

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/joelklabo/autoblog/internal/core"
)

// Snapshot pairs a config with the adapter built from it. It is never mutated
// after publication.
type Snapshot struct {
	Config  core.BackendConfig
	Backend core.Backend
}

// ErrNoActive is returned when no backend has been activated yet.
var ErrNoActive = errors.New("no active backend")

// Active holds the catalog of named configs and the currently active snapshot.
// Readers load the snapshot once per call; Activate publishes a new one only
// after the adapter was built successfully.
type Active struct {
	reg *Registry
	cur atomic.Pointer[Snapshot]

	mu      sync.Mutex // serializes Define/Activate
	catalog map[string]core.BackendConfig
	order   []string
}

func NewActive(reg *Registry) *Active {
	return &Active{reg: reg, catalog: make(map[string]core.BackendConfig)}
}

// Validate checks the fields every backend config needs.
func Validate(cfg core.BackendConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return errors.New("backend name is required")
	}
	switch cfg.Kind {
	case core.KindLocal:
		if cfg.ModelRef == "" {
			return fmt.Errorf("backend %s: model_ref is required", cfg.Name)
		}
	case core.KindRemote:
		if cfg.Endpoint == "" {
			return fmt.Errorf("backend %s: endpoint is required", cfg.Name)
		}
		if cfg.ModelRef == "" {
			return fmt.Errorf("backend %s: model_ref is required", cfg.Name)
		}
	default:
		return fmt.Errorf("backend %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
	if cfg.TimeoutSeconds < 0 {
		return fmt.Errorf("backend %s: timeout_seconds must be >= 0", cfg.Name)
	}
	return nil
}

// Define adds or replaces a named config without activating it. Redefining
// the active config does not touch the running snapshot.
func (a *Active) Define(cfg core.BackendConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.define(cfg)
	return nil
}

func (a *Active) define(cfg core.BackendConfig) {
	if _, ok := a.catalog[cfg.Name]; !ok {
		a.order = append(a.order, cfg.Name)
	}
	a.catalog[cfg.Name] = cfg
}

// Configs lists defined configs in definition order.
func (a *Active) Configs() []core.BackendConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return lo.Map(a.order, func(name string, _ int) core.BackendConfig { return a.catalog[name] })
}

// Config returns a defined config by name.
func (a *Active) Config(name string) (core.BackendConfig, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg, ok := a.catalog[name]
	return cfg, ok
}

// Activate builds cfg and, on success, defines it and makes it current. On
// failure the previous snapshot stays active.
func (a *Active) Activate(cfg core.BackendConfig) (Snapshot, error) {
	if err := Validate(cfg); err != nil {
		return Snapshot{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.reg.Build(cfg)
	if err != nil {
		return Snapshot{}, fmt.Errorf("activate backend %s: %w", cfg.Name, err)
	}
	snap := &Snapshot{Config: cfg, Backend: b}
	a.define(cfg)
	a.cur.Store(snap)
	return *snap, nil
}

// ActivateByName activates a previously defined config.
func (a *Active) ActivateByName(name string) (Snapshot, error) {
	cfg, ok := a.Config(name)
	if !ok {
		return Snapshot{}, fmt.Errorf("backend %s: %w", name, core.ErrNotFound)
	}
	return a.Activate(cfg)
}

// Current returns the active snapshot.
func (a *Active) Current() (Snapshot, error) {
	if s := a.cur.Load(); s != nil {
		return *s, nil
	}
	return Snapshot{}, ErrNoActive
}
