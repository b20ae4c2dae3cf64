package presets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/joelklabo/autoblog/internal/config"
)

// List returns preset names and descriptions.
func List() map[string]string {
	return map[string]string{
		"local-echo":    "Offline echo backend, no model needed",
		"local-markov":  "In-process markov model trained on corpus.txt",
		"openai-remote": "OpenAI-compatible remote API (needs OPENAI_API_KEY)",
		"ollama-remote": "Local ollama server over its OpenAI-compatible API",
	}
}

// Names returns preset names in sorted order.
func Names() []string {
	names := make([]string, 0, len(List()))
	for n := range List() {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the raw YAML for a preset, or an error if unknown.
func Get(name string) ([]byte, error) {
	if data, ok := loadOverride(name); ok {
		return data, nil
	}
	if _, ok := List()[name]; !ok {
		return nil, fmt.Errorf("unknown preset %s", name)
	}
	return builtin.ReadFile("data/" + name + ".yaml")
}

// Load parses a preset into a Config; relative paths resolve against baseDir.
func Load(name, baseDir string) (*config.Config, error) {
	data, err := Get(name)
	if err != nil {
		return nil, err
	}
	return config.Parse(data, baseDir)
}

// loadOverride returns user/project preset overrides if present.
func loadOverride(name string) ([]byte, bool) {
	for _, path := range overridePaths(name) {
		if data, err := os.ReadFile(path); err == nil {
			return data, true
		}
	}
	return nil, false
}

func overridePaths(name string) []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "autoblog", "presets", name+".yaml"))
	}
	paths = append(paths, filepath.Join("presets", name+".yaml"))
	return paths
}
