package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joelklabo/autoblog/internal/core"
)

func (c *Config) validateBackends() error {
	seen := make(map[string]struct{})
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if _, exists := seen[b.Name]; exists {
			return fmt.Errorf("backend name %q duplicated", b.Name)
		}
		seen[b.Name] = struct{}{}
		switch b.Kind {
		case core.KindLocal:
			if b.ModelRef == "" {
				return fmt.Errorf("backend %q: model_ref is required", b.Name)
			}
		case core.KindRemote:
			if b.ModelRef == "" {
				return fmt.Errorf("backend %q: model_ref is required", b.Name)
			}
			u, err := url.Parse(b.Endpoint)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("backend %q: endpoint must be an http(s) url", b.Name)
			}
		default:
			return fmt.Errorf("backend %q: unknown kind %s", b.Name, b.Kind)
		}
		if b.TimeoutSeconds < 0 {
			return fmt.Errorf("backend %q: timeout_seconds must be >= 0", b.Name)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q: want debug, info, warn or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q: want text or json", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateLimits() error {
	if c.Pipeline.MaxPromptLength < 0 || c.Pipeline.MaxLength < 0 || c.Pipeline.MaxContentLength < 0 {
		return fmt.Errorf("pipeline limits must be positive")
	}
	if c.Feeds.TimeoutSeconds < 0 {
		return fmt.Errorf("feeds.timeout_seconds must be positive")
	}
	if c.Scheduler.TickSeconds < 0 {
		return fmt.Errorf("scheduler.tick_seconds must be positive")
	}
	return nil
}

// validateAutomations checks names and schedule syntax without importing the
// scheduler; the scheduler re-validates on registration.
func (c *Config) validateAutomations() error {
	seen := make(map[string]struct{})
	for i, a := range c.Automations {
		if a.Name == "" {
			return fmt.Errorf("automations[%d]: name is required", i)
		}
		if _, exists := seen[a.Name]; exists {
			return fmt.Errorf("automation name %q duplicated", a.Name)
		}
		seen[a.Name] = struct{}{}
		if a.Schedule == "" {
			return fmt.Errorf("automation %q: schedule is required", a.Name)
		}
		if d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(a.Schedule, "@every"))); err == nil && d < time.Second {
			return fmt.Errorf("automation %q: period must be at least 1s", a.Name)
		}
		if a.Source == "" && strings.TrimSpace(a.Prompt) == "" {
			return fmt.Errorf("automation %q: source or prompt is required", a.Name)
		}
	}
	return nil
}
