package check

import (
	"strings"

	"github.com/samber/lo"

	"github.com/joelklabo/autoblog/internal/config"
	"github.com/joelklabo/autoblog/internal/core"
)

// AggregateDeps collects the checks implied by cfg plus the preset's declared
// deps and any listed under deps: in the config. Duplicates (same type and
// name) keep the first, so required entries derived from config win over
// optional preset ones.
func AggregateDeps(cfg *config.Config, preset string, presetDeps map[string][]config.Dep) []config.Dep {
	var deps []config.Dep
	if cfg != nil {
		deps = append(deps, derived(cfg)...)
		deps = append(deps, cfg.Deps...)
	}
	if preset != "" {
		deps = append(deps, presetDeps[preset]...)
	}
	return lo.UniqBy(deps, func(d config.Dep) string { return d.Type + "\x00" + d.Name })
}

func derived(cfg *config.Config) []config.Dep {
	deps := []config.Dep{{
		Name: nearestDir(cfg.Storage.Path),
		Type: "dirwrite",
		Hint: "storage.path parent must be writable",
	}}
	for _, b := range cfg.Backends {
		active := b.Name == cfg.ActiveBackend
		switch b.Kind {
		case core.KindRemote:
			if b.APIKeyEnv != "" {
				deps = append(deps, config.Dep{Name: b.APIKeyEnv, Type: "env", Optional: !active, Hint: "api key for backend " + b.Name})
			}
			deps = append(deps, config.Dep{Name: b.Endpoint, Type: "url", Optional: !active, Hint: "endpoint of backend " + b.Name})
		case core.KindLocal:
			if _, path, ok := strings.Cut(b.ModelRef, ":"); ok && path != "" {
				deps = append(deps, config.Dep{Name: path, Type: "file", Optional: !active, Hint: "model file for backend " + b.Name})
			}
		}
	}
	for _, s := range cfg.Feeds.Sources {
		deps = append(deps, config.Dep{Name: s.URL, Type: "url", Optional: true, Hint: "feed " + s.URL})
	}
	return deps
}
