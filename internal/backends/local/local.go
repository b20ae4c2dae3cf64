// Package local runs a text model in process. The model and its tokenizer are
// loaded once when the backend is built.
package local

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/joelklabo/autoblog/internal/core"
)

// Model generates text for a prompt. Implementations must be safe for
// concurrent use once loaded.
type Model interface {
	Generate(prompt string, maxTokens int) core.GeneratedText
}

// Loader loads a model; path is the part of the model ref after the colon.
type Loader func(path string) (Model, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]Loader{
		"echo":   loadEcho,
		"markov": loadMarkov,
	}
)

// RegisterModel makes a model name available to model refs.
func RegisterModel(name string, l Loader) error {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	if _, exists := loaders[name]; exists {
		return fmt.Errorf("model %s already registered", name)
	}
	loaders[name] = l
	return nil
}

// Models lists registered model names.
func Models() []string {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	out := make([]string, 0, len(loaders))
	for k := range loaders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Backend is the local adapter.
type Backend struct {
	name  string
	model Model
}

// New resolves cfg.ModelRef ("<model>" or "<model>:<path>") and loads it.
// Any failure wraps core.ErrModelUnavailable.
func New(cfg core.BackendConfig) (*Backend, error) {
	name, path, _ := strings.Cut(cfg.ModelRef, ":")
	loadersMu.RLock()
	load, ok := loaders[name]
	loadersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model %q: %w", name, core.ErrModelUnavailable)
	}
	m, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %v: %w", cfg.ModelRef, err, core.ErrModelUnavailable)
	}
	return &Backend{name: cfg.Name, model: m}, nil
}

// Constructor adapts New to the backend registry.
func Constructor(cfg core.BackendConfig) (core.Backend, error) {
	b, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Generate runs inference synchronously. Once started it is not interrupted
// by ctx; ctx is only checked before the model runs.
func (b *Backend) Generate(ctx context.Context, prompt string, maxLength int) (core.GeneratedText, error) {
	if err := ctx.Err(); err != nil {
		return core.GeneratedText{}, err
	}
	return b.model.Generate(prompt, maxLength), nil
}

// Tokenize splits text into whitespace-separated tokens.
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// truncate keeps text as-is when it fits in maxTokens; otherwise it returns
// the first maxTokens tokens joined by single spaces. maxTokens <= 0 means no
// limit.
func truncate(text string, maxTokens int) core.GeneratedText {
	toks := Tokenize(text)
	if maxTokens <= 0 || len(toks) <= maxTokens {
		return core.GeneratedText{Text: text, Tokens: len(toks)}
	}
	return core.GeneratedText{
		Text:      strings.Join(toks[:maxTokens], " "),
		Tokens:    maxTokens,
		Truncated: true,
	}
}

type echoModel struct{}

func loadEcho(string) (Model, error) { return echoModel{}, nil }

// Generate returns "ECHO:" followed by the prompt.
func (echoModel) Generate(prompt string, maxTokens int) core.GeneratedText {
	return truncate("ECHO:"+prompt, maxTokens)
}
