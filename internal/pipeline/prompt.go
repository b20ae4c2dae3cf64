package pipeline

import (
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/joelklabo/autoblog/internal/core"
)

// DefaultTemplate turns a feed item into a prompt.
const DefaultTemplate = `Write a blog post about "{{.Title}}". Source: {{.Link}}`

const maxTitleRunes = 200

// PromptSource is either a RawPrompt or a FeedItem.
type PromptSource interface {
	promptSource()
}

// RawPrompt is free text supplied by a user.
type RawPrompt struct {
	Text string
}

// FeedItem derives the prompt from an ingested item. An empty Template uses
// the pipeline default.
type FeedItem struct {
	Item     core.FeedItem
	Template string
}

func (RawPrompt) promptSource() {}
func (FeedItem) promptSource()  {}

// ValidatePrompt trims p and checks it is non-empty and at most maxRunes long.
func ValidatePrompt(p string, maxRunes int) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty prompt: %w", core.ErrInvalidPrompt)
	}
	if n := utf8.RuneCountInString(p); maxRunes > 0 && n > maxRunes {
		return "", fmt.Errorf("prompt has %d characters, limit %d: %w", n, maxRunes, core.ErrInvalidPrompt)
	}
	return p, nil
}

// ParseTemplate compiles a prompt template; used to reject bad templates
// before they are stored.
func ParseTemplate(text string) (*template.Template, error) {
	t, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("prompt template: %v: %w", err, core.ErrInvalidPrompt)
	}
	return t, nil
}

func renderFeedPrompt(tmpl string, item core.FeedItem) (string, error) {
	t, err := ParseTemplate(tmpl)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := t.Execute(&sb, item); err != nil {
		return "", fmt.Errorf("render prompt: %v: %w", err, core.ErrInvalidPrompt)
	}
	return sb.String(), nil
}

// titleFromPrompt uses the first non-empty line, capped at maxTitleRunes.
func titleFromPrompt(p string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(p), "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > maxTitleRunes {
		line = string(r[:maxTitleRunes])
	}
	return line
}

// Sanitize drops control characters other than newline and tab, normalizes
// line endings, trims and caps the result at maxRunes.
func Sanitize(text string, maxRunes int) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0) || r == utf8.RuneError {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)
	if r := []rune(text); maxRunes > 0 && len(r) > maxRunes {
		text = strings.TrimSpace(string(r[:maxRunes]))
	}
	return text
}
