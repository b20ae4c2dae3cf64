package presets

import (
	"embed"

	"github.com/joelklabo/autoblog/internal/config"
)

//go:embed data/*.yaml
var builtin embed.FS

// PresetDeps returns declared prerequisites for built-in presets.
func PresetDeps() map[string][]config.Dep {
	return map[string][]config.Dep{
		"local-echo": {
			{Name: ".", Type: "dirwrite", Optional: true, Hint: "State directory must be writable"},
		},
		"local-markov": {
			{Name: "corpus.txt", Type: "file", Hint: "Training text for the markov model, one or more paragraphs"},
			{Name: ".", Type: "dirwrite", Optional: true, Hint: "State directory must be writable"},
		},
		"openai-remote": {
			{Name: "OPENAI_API_KEY", Type: "env", Hint: "export OPENAI_API_KEY=sk-..."},
			{Name: "https://api.openai.com", Type: "url", Optional: true, Hint: "OpenAI endpoint reachability"},
		},
		"ollama-remote": {
			{Name: "127.0.0.1:11434", Type: "port", Hint: "Start ollama: `ollama serve`"},
		},
	}
}
