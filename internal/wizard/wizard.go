package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/joho/godotenv"

	"github.com/joelklabo/autoblog/internal/config"
	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/feeds"
	"github.com/joelklabo/autoblog/internal/presets"
	"github.com/joelklabo/autoblog/internal/proxy"
)

// Prompter abstracts survey for testability.
type Prompter interface {
	AskSelect(label string, options []string, def string) (string, error)
	AskInput(label, def string) (string, error)
	AskPassword(label string) (string, error)
	AskConfirm(label string, def bool) (bool, error)
}

// Options tune Run.
type Options struct {
	// Out receives dry-run previews and notes. Defaults to stdout.
	Out io.Writer
}

// Run executes the interactive wizard and writes a config file. Secrets typed
// in are written to a .env file next to the config, never into the YAML.
func Run(ctx context.Context, path string, p Prompter, opts Options) (string, error) {
	if p == nil {
		p = &surveyPrompter{}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	cfgPath, err := resolveConfigPath(path)
	if err != nil {
		return "", err
	}
	if fileExists(cfgPath) {
		overwrite, err := p.AskConfirm(fmt.Sprintf("%s exists. Overwrite?", cfgPath), false)
		if err != nil {
			return "", err
		}
		if !overwrite {
			return "", fmt.Errorf("aborted: config exists at %s", cfgPath)
		}
	}

	reg := GetRegistry()
	names := presetNames(reg)
	choice, err := p.AskSelect("Pick a preset", names, defaultChoice("local-echo", names))
	if err != nil {
		return "", err
	}
	cfg, err := presets.Load(choice, filepath.Dir(cfgPath))
	if err != nil {
		return "", fmt.Errorf("load preset %s: %w", choice, err)
	}

	secrets := map[string]string{}
	for i := range cfg.Backends {
		if err := askRemote(p, &cfg.Backends[i], secrets); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := askFeed(p, reg, cfg); err != nil {
		return "", err
	}

	rawProxy, err := p.AskInput("Egress proxy URL (blank for direct)", cfg.Proxy.URL)
	if err != nil {
		return "", err
	}
	if _, err := proxy.Parse(rawProxy); err != nil {
		return "", err
	}
	cfg.Proxy.URL = strings.TrimSpace(rawProxy)

	if err := cfg.Validate(); err != nil {
		return "", err
	}

	dryRun, err := p.AskConfirm("Dry-run only (preview config without writing)?", false)
	if err != nil {
		return "", err
	}
	if dryRun {
		fmt.Fprintf(out, "Dry run: config NOT written. Target path would be %s\n", cfgPath)
		return cfgPath, nil
	}

	if err := config.Write(cfgPath, cfg); err != nil {
		return "", err
	}
	if len(secrets) > 0 {
		envPath := filepath.Join(filepath.Dir(cfgPath), ".env")
		if err := writeEnv(envPath, secrets); err != nil {
			return "", err
		}
		fmt.Fprintf(out, "API keys saved to %s\n", envPath)
	}
	return cfgPath, nil
}

func askRemote(p Prompter, b *core.BackendConfig, secrets map[string]string) error {
	if b.Kind != core.KindRemote {
		return nil
	}
	endpoint, err := p.AskInput(fmt.Sprintf("Endpoint for %s", b.Name), b.Endpoint)
	if err != nil {
		return err
	}
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		b.Endpoint = endpoint
	}
	model, err := p.AskInput(fmt.Sprintf("Model for %s", b.Name), b.ModelRef)
	if err != nil {
		return err
	}
	if model = strings.TrimSpace(model); model != "" {
		b.ModelRef = model
	}
	if b.APIKeyEnv == "" || os.Getenv(b.APIKeyEnv) != "" {
		return nil
	}
	key, err := p.AskPassword(fmt.Sprintf("%s (blank to set it later)", b.APIKeyEnv))
	if err != nil {
		return err
	}
	if key = strings.TrimSpace(key); key != "" {
		secrets[b.APIKeyEnv] = key
	}
	return nil
}

func askFeed(p Prompter, reg Registry, cfg *config.Config) error {
	raw, err := p.AskInput("RSS/Atom feed URL to watch (blank to skip)", "")
	if err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := feeds.ValidateURL(raw)
	if err != nil {
		return err
	}
	cfg.Feeds.Sources = append(cfg.Feeds.Sources, config.FeedSourceConfig{URL: u})

	auto, err := p.AskConfirm("Generate posts from it on a schedule?", true)
	if err != nil || !auto {
		return err
	}
	scheds := scheduleNames(reg)
	sched, err := p.AskSelect("How often?", scheds, defaultChoice("@daily", scheds))
	if err != nil {
		return err
	}
	cfg.Automations = append(cfg.Automations, config.AutomationConfig{
		Name:     "feed-" + strings.TrimPrefix(sched, "@"),
		Schedule: sched,
		Source:   u,
	})
	return nil
}

// writeEnv merges secrets into an existing .env file.
func writeEnv(path string, secrets map[string]string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		env = map[string]string{}
	}
	for k, v := range secrets {
		env[k] = v
	}
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "autoblog", "config.yaml"), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// surveyPrompter is the real interactive implementation.
type surveyPrompter struct{}

func (surveyPrompter) AskSelect(label string, options []string, def string) (string, error) {
	sel := def
	prompt := &survey.Select{Message: label, Options: options, Default: def}
	if err := survey.AskOne(prompt, &sel); err != nil {
		return "", err
	}
	return sel, nil
}

func (surveyPrompter) AskInput(label, def string) (string, error) {
	ans := def
	prompt := &survey.Input{Message: label, Default: def}
	if err := survey.AskOne(prompt, &ans); err != nil {
		return "", err
	}
	return ans, nil
}

func (surveyPrompter) AskPassword(label string) (string, error) {
	var ans string
	prompt := &survey.Password{Message: label}
	if err := survey.AskOne(prompt, &ans); err != nil {
		return "", err
	}
	return ans, nil
}

func (surveyPrompter) AskConfirm(label string, def bool) (bool, error) {
	ans := def
	prompt := &survey.Confirm{Message: label, Default: def}
	if err := survey.AskOne(prompt, &ans); err != nil {
		return false, err
	}
	return ans, nil
}

func defaultChoice(defaultVal string, options []string) string {
	for _, opt := range options {
		if opt == defaultVal {
			return defaultVal
		}
	}
	if len(options) > 0 {
		return options[0]
	}
	return defaultVal
}

func presetNames(reg Registry) []string {
	names := make([]string, 0, len(reg.Presets))
	for _, p := range reg.Presets {
		names = append(names, p.Name)
	}
	return names
}

func scheduleNames(reg Registry) []string {
	names := make([]string, 0, len(reg.Schedules))
	for _, s := range reg.Schedules {
		names = append(names, s.Schedule)
	}
	return names
}

// StubPrompter answers from queues; an empty queue yields the default.
type StubPrompter struct {
	Selects   []string
	Inputs    []string
	Passwords []string
	Confirms  []bool
}

func (s *StubPrompter) AskSelect(label string, options []string, def string) (string, error) {
	return pop(&s.Selects, def), nil
}

func (s *StubPrompter) AskInput(label, def string) (string, error) {
	return pop(&s.Inputs, def), nil
}

func (s *StubPrompter) AskPassword(label string) (string, error) {
	return pop(&s.Passwords, ""), nil
}

func (s *StubPrompter) AskConfirm(label string, def bool) (bool, error) {
	return pop(&s.Confirms, def), nil
}

func pop[T any](q *[]T, def T) T {
	if len(*q) == 0 {
		return def
	}
	v := (*q)[0]
	*q = (*q)[1:]
	return v
}
