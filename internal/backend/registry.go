// Package backend maps backend kinds to constructors and holds the active
// backend snapshot.
package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/joelklabo/autoblog/internal/core"
)

// Constructor builds a Backend from configuration. Load failures must wrap
// core.ErrModelUnavailable.
type Constructor func(cfg core.BackendConfig) (core.Backend, error)

// Registry is a kind → constructor table.
type Registry struct {
	mu    sync.RWMutex
	ctors map[core.BackendKind]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[core.BackendKind]Constructor)}
}

func (r *Registry) Register(kind core.BackendKind, ctor Constructor) error {
	if ctor == nil {
		return fmt.Errorf("backend kind %s: nil constructor", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[kind]; exists {
		return fmt.Errorf("backend kind %s already registered", kind)
	}
	r.ctors[kind] = ctor
	return nil
}

func (r *Registry) MustRegister(kind core.BackendKind, ctor Constructor) {
	if err := r.Register(kind, ctor); err != nil {
		panic(err)
	}
}

// Build constructs a backend for cfg.Kind.
func (r *Registry) Build(cfg core.BackendConfig) (core.Backend, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend kind %q: %w", cfg.Kind, core.ErrModelUnavailable)
	}
	return ctor(cfg)
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
