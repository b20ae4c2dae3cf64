// Package remote calls an OpenAI-compatible chat-completions endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/proxy"
)

const (
	// DefaultTimeout bounds one Generate call including retries.
	DefaultTimeout = 60 * time.Second
	// MaxRetries is the number of extra attempts for transient failures.
	MaxRetries = 2

	maxResponseBytes = 4 << 20
)

// Backend is the remote adapter. The proxy policy is read once per call.
type Backend struct {
	cfg     core.BackendConfig
	proxies *proxy.Holder
	apiKey  string
	timeout time.Duration
	backoff time.Duration
}

// Option tweaks a Backend.
type Option func(*Backend)

// WithBackoff sets the first retry delay.
func WithBackoff(d time.Duration) Option {
	return func(b *Backend) { b.backoff = d }
}

// WithTimeout overrides the per-call deadline from the config.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// New builds a remote backend. The API key is read from cfg.APIKeyEnv now,
// not per call.
func New(cfg core.BackendConfig, proxies *proxy.Holder, opts ...Option) (*Backend, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("remote backend %s: endpoint required: %w", cfg.Name, core.ErrModelUnavailable)
	}
	if proxies == nil {
		proxies = proxy.NewHolder(proxy.Policy{})
	}
	b := &Backend{
		cfg:     cfg,
		proxies: proxies,
		timeout: DefaultTimeout,
		backoff: 500 * time.Millisecond,
	}
	if cfg.TimeoutSeconds > 0 {
		b.timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if cfg.APIKeyEnv != "" {
		b.apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Constructor returns a registry constructor bound to proxies.
func Constructor(proxies *proxy.Holder, opts ...Option) func(core.BackendConfig) (core.Backend, error) {
	return func(cfg core.BackendConfig) (core.Backend, error) {
		b, err := New(cfg, proxies, opts...)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate posts the prompt and returns the first choice.
func (b *Backend) Generate(ctx context.Context, prompt string, maxLength int) (core.GeneratedText, error) {
	perAttempt := b.timeout / (MaxRetries + 1)
	client := proxy.NewClient(b.proxies.Get(), perAttempt)
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:     b.cfg.ModelRef,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxLength,
	})
	if err != nil {
		return core.GeneratedText{}, fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(b.cfg.Endpoint, "/") + "/chat/completions"

	var out core.GeneratedText
	err = core.Retry(ctx, MaxRetries, b.backoff, func() error {
		actx, acancel := context.WithTimeout(ctx, perAttempt)
		defer acancel()
		res, err := b.attempt(ctx, actx, client, url, body)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err == nil {
		return out, nil
	}
	switch {
	case errors.Is(err, core.ErrBackendTimeout), errors.Is(err, core.ErrBackendRejected):
		return core.GeneratedText{}, err
	case errors.Is(err, context.DeadlineExceeded):
		return core.GeneratedText{}, fmt.Errorf("remote %s after %s: %w", b.cfg.Name, b.timeout, core.ErrBackendTimeout)
	case errors.Is(err, context.Canceled):
		return core.GeneratedText{}, err
	default:
		return core.GeneratedText{}, fmt.Errorf("remote %s: %v: %w", b.cfg.Name, err, core.ErrBackendRejected)
	}
}

// attempt runs one request bounded by actx. ctx is the whole call; its end
// makes a failure final.
func (b *Backend) attempt(ctx, actx context.Context, client *http.Client, url string, body []byte) (core.GeneratedText, error) {
	req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return core.GeneratedText{}, core.Permanent(fmt.Errorf("build request: %v: %w", err, core.ErrBackendRejected))
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return core.GeneratedText{}, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return core.GeneratedText{}, classifyTransport(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := fmt.Errorf("status %d: %s: %w", resp.StatusCode, snippet(data), core.ErrBackendRejected)
		if transientStatus(resp.StatusCode) {
			return core.GeneratedText{}, statusErr
		}
		return core.GeneratedText{}, core.Permanent(statusErr)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return core.GeneratedText{}, core.Permanent(fmt.Errorf("decode response: %v: %w", err, core.ErrBackendRejected))
	}
	if parsed.Error != nil {
		return core.GeneratedText{}, core.Permanent(fmt.Errorf("api error: %s: %w", parsed.Error.Message, core.ErrBackendRejected))
	}
	if len(parsed.Choices) == 0 {
		return core.GeneratedText{}, core.Permanent(fmt.Errorf("no choices in response: %w", core.ErrBackendRejected))
	}
	choice := parsed.Choices[0]
	return core.GeneratedText{
		Text:      choice.Message.Content,
		Tokens:    parsed.Usage.CompletionTokens,
		Truncated: choice.FinishReason == "length",
	}, nil
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// classifyTransport decides whether a transport error is worth another try.
// The overall deadline ending is final; a single attempt timing out is not.
// ctx must be the call context, not the per-attempt one.
func classifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return core.Permanent(fmt.Errorf("%v: %w", err, core.ErrBackendTimeout))
		}
		return core.Permanent(ctxErr)
	}
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &nerr) && nerr.Timeout():
		return fmt.Errorf("%v: %w", err, core.ErrBackendTimeout)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%v: %w", err, core.ErrBackendRejected)
	}
	return core.Permanent(fmt.Errorf("%v: %w", err, core.ErrBackendRejected))
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
