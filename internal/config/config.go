package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joelklabo/autoblog/internal/core"
)

// Env vars read on top of the file.
const (
	EnvProxyURL = "PROXY_URL"
	EnvLLMType  = "LLM_TYPE"
)

// Config holds the runtime configuration loaded from config.yaml.
type Config struct {
	Storage       StorageConfig        `yaml:"storage"`
	Logging       LoggingConfig        `yaml:"logging"`
	Backends      []core.BackendConfig `yaml:"backends"`
	ActiveBackend string               `yaml:"active_backend"`
	Proxy         ProxyConfig          `yaml:"proxy"`
	Pipeline      PipelineConfig       `yaml:"pipeline"`
	Feeds         FeedsConfig          `yaml:"feeds"`
	Scheduler     SchedulerConfig      `yaml:"scheduler"`
	API           APIConfig            `yaml:"api"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Automations   []AutomationConfig   `yaml:"automations,omitempty"`
	// Deps are extra preflight checks run by `autoblog doctor`.
	Deps []Dep `yaml:"deps,omitempty"`
}

// StorageConfig controls persistence.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls log level, format and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
	File   string `yaml:"file,omitempty"`
}

// ProxyConfig seeds the egress proxy policy. An empty URL means direct.
type ProxyConfig struct {
	URL string `yaml:"url"`
}

// PipelineConfig holds generation limits.
type PipelineConfig struct {
	MaxPromptLength  int    `yaml:"max_prompt_length"`
	MaxLength        int    `yaml:"max_length"`
	MaxContentLength int    `yaml:"max_content_length"`
	DefaultTemplate  string `yaml:"default_template,omitempty"`
}

// FeedsConfig controls feed fetching.
type FeedsConfig struct {
	TimeoutSeconds int                `yaml:"timeout_seconds"`
	UserAgent      string             `yaml:"user_agent,omitempty"`
	Sources        []FeedSourceConfig `yaml:"sources,omitempty"`
}

// FeedSourceConfig is a feed registered at startup.
type FeedSourceConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name,omitempty"`
}

// SchedulerConfig controls the tick loop.
type SchedulerConfig struct {
	Disabled    bool `yaml:"disabled,omitempty"`
	TickSeconds int  `yaml:"tick_seconds"`
}

// APIConfig controls the HTTP API.
type APIConfig struct {
	Disabled    bool     `yaml:"disabled,omitempty"`
	Addr        string   `yaml:"addr"`
	AuthToken   string   `yaml:"auth_token,omitempty"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint. Empty listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// AutomationConfig is an automation created at startup when no automation
// with the same name exists. Source refers to a feed URL.
type AutomationConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Source   string `yaml:"source,omitempty"`
	Prompt   string `yaml:"prompt,omitempty"`
}

// Dep is a preflight requirement.
type Dep struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // env|file|dirwrite|url|port
	Optional bool   `yaml:"optional,omitempty"`
	Hint     string `yaml:"hint,omitempty"`
}

// Load reads and validates configuration from the provided path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw, filepath.Dir(path))
}

// Parse decodes raw YAML; relative storage paths resolve against baseDir.
func Parse(raw []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a usable config with a single local echo backend, for
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	cfg.applyEnv()
	return cfg
}

// Write marshals cfg to path, creating parent directories.
func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("make config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// FeedTimeout returns the feed fetch timeout.
func (c *Config) FeedTimeout() time.Duration {
	return time.Duration(c.Feeds.TimeoutSeconds) * time.Second
}

// Tick returns the scheduler scan interval.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// Backend returns the named backend config.
func (c *Config) Backend(name string) (core.BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return core.BackendConfig{}, false
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if len(c.Backends) == 0 {
		return errors.New("at least one backend is required")
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if _, ok := c.Backend(c.ActiveBackend); !ok {
		return fmt.Errorf("active_backend %q is not a configured backend", c.ActiveBackend)
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}
	if err := c.validateAutomations(); err != nil {
		return err
	}
	for i, s := range c.Feeds.Sources {
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("feeds.sources[%d]: url is required", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStatePath()
	} else if !filepath.IsAbs(c.Storage.Path) && !strings.HasPrefix(c.Storage.Path, "~") {
		c.Storage.Path = filepath.Join(baseDir, c.Storage.Path)
	}
	c.Storage.Path = expandHome(c.Storage.Path)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if len(c.Backends) == 0 {
		c.Backends = []core.BackendConfig{{Name: "local", Kind: core.KindLocal, ModelRef: "echo"}}
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Kind == "" {
			b.Kind = core.KindLocal
		}
		if b.Kind == core.KindRemote && b.TimeoutSeconds == 0 {
			b.TimeoutSeconds = 60
		}
		if b.Kind == core.KindLocal {
			if name, path, ok := strings.Cut(b.ModelRef, ":"); ok && path != "" && !filepath.IsAbs(path) {
				b.ModelRef = name + ":" + filepath.Join(baseDir, path)
			}
		}
	}
	if c.ActiveBackend == "" {
		c.ActiveBackend = c.Backends[0].Name
	}
	if c.Pipeline.MaxPromptLength == 0 {
		c.Pipeline.MaxPromptLength = 4000
	}
	if c.Pipeline.MaxLength == 0 {
		c.Pipeline.MaxLength = 1024
	}
	if c.Pipeline.MaxContentLength == 0 {
		c.Pipeline.MaxContentLength = 20000
	}
	if c.Feeds.TimeoutSeconds == 0 {
		c.Feeds.TimeoutSeconds = 30
	}
	if c.Scheduler.TickSeconds == 0 {
		c.Scheduler.TickSeconds = 60
	}
	if c.API.Addr == "" {
		c.API.Addr = "127.0.0.1:8000"
	}
}

// applyEnv lets PROXY_URL seed the proxy and LLM_TYPE pick the active
// backend by name or, failing that, by kind.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvProxyURL)); v != "" && c.Proxy.URL == "" {
		c.Proxy.URL = v
	}
	v := strings.TrimSpace(os.Getenv(EnvLLMType))
	if v == "" {
		return
	}
	if _, ok := c.Backend(v); ok {
		c.ActiveBackend = v
		return
	}
	for _, b := range c.Backends {
		if string(b.Kind) == strings.ToLower(v) {
			c.ActiveBackend = b.Name
			return
		}
	}
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "autoblog.db"
	}
	return filepath.Join(home, ".local", "share", "autoblog", "state.db")
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
