// Package pipeline turns prompts and feed items into persisted blog posts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joelklabo/autoblog/internal/backend"
	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/metrics"
)

const (
	DefaultMaxPromptLength  = 4000
	DefaultMaxLength        = 1024
	DefaultMaxContentLength = 20000
)

// Config holds the pipeline limits.
type Config struct {
	// MaxPromptLength is the prompt limit in characters.
	MaxPromptLength int
	// MaxLength is the output token budget passed to the backend.
	MaxLength int
	// MaxContentLength caps the stored post in characters.
	MaxContentLength int
	DefaultTemplate  string
}

// Backends yields the active backend snapshot.
type Backends interface {
	Current() (backend.Snapshot, error)
}

// Ingestor fetches new items of a source.
type Ingestor interface {
	FetchByID(ctx context.Context, id string) ([]core.FeedItem, error)
}

// Pipeline runs prompt → backend → sanitize → persist.
type Pipeline struct {
	cfg      Config
	backends Backends
	store    core.Store
	ingestor Ingestor
	rec      core.Recorder
	log      *slog.Logger
	now      func() time.Time
}

// New builds a Pipeline. ingestor may be nil when RunSource is not used.
func New(cfg Config, backends Backends, st core.Store, ingestor Ingestor, rec core.Recorder, log *slog.Logger) *Pipeline {
	if cfg.MaxPromptLength <= 0 {
		cfg.MaxPromptLength = DefaultMaxPromptLength
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	if strings.TrimSpace(cfg.DefaultTemplate) == "" {
		cfg.DefaultTemplate = DefaultTemplate
	}
	if rec == nil {
		rec = core.RecorderFunc(func(core.Event) {})
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		backends: backends,
		store:    st,
		ingestor: ingestor,
		rec:      rec,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pipeline) emit(level core.Level, stage, msg string, fields map[string]string) {
	p.rec.Record(core.Event{Level: level, Stage: stage, Message: msg, Timestamp: p.now(), Fields: fields})
}

func (p *Pipeline) fail(stage string, err error, fields map[string]string) error {
	if fields == nil {
		fields = map[string]string{}
	}
	fields["error"] = err.Error()
	p.emit(core.LevelError, stage, stage+" failed", fields)
	return &core.PipelineError{Stage: stage, Err: err}
}

// Run generates and stores one post. Errors are *core.PipelineError.
func (p *Pipeline) Run(ctx context.Context, src PromptSource) (core.BlogPost, error) {
	var prompt, title, sourceURL string
	switch s := src.(type) {
	case RawPrompt:
		text, err := ValidatePrompt(s.Text, p.cfg.MaxPromptLength)
		if err != nil {
			return core.BlogPost{}, p.fail(core.StageGenerate, err, nil)
		}
		prompt, title = text, titleFromPrompt(text)
	case FeedItem:
		tmpl := s.Template
		if strings.TrimSpace(tmpl) == "" {
			tmpl = p.cfg.DefaultTemplate
		}
		rendered, err := renderFeedPrompt(tmpl, s.Item)
		if err == nil {
			rendered, err = ValidatePrompt(rendered, p.cfg.MaxPromptLength)
		}
		if err != nil {
			return core.BlogPost{}, p.fail(core.StageIngest, err, map[string]string{"guid": s.Item.GUID})
		}
		prompt, title, sourceURL = rendered, titleFromPrompt(rendered), s.Item.Link
	default:
		return core.BlogPost{}, p.fail(core.StageIngest, fmt.Errorf("unsupported prompt source %T: %w", src, core.ErrInvalidPrompt), nil)
	}

	snap, err := p.backends.Current()
	if err != nil {
		return core.BlogPost{}, p.fail(core.StageGenerate, fmt.Errorf("%v: %w", err, core.ErrModelUnavailable), nil)
	}
	name := snap.Config.Name
	fields := map[string]string{"backend": name}
	if sourceURL != "" {
		fields["source_url"] = sourceURL
	}
	p.emit(core.LevelInfo, core.StageGenerate, "generate started", copyFields(fields))

	start := time.Now()
	out, err := snap.Backend.Generate(ctx, prompt, p.cfg.MaxLength)
	if err != nil {
		metrics.ObserveGeneration(name, "error", time.Since(start))
		return core.BlogPost{}, p.fail(core.StageGenerate, err, copyFields(fields))
	}
	content := Sanitize(out.Text, p.cfg.MaxContentLength)
	if content == "" {
		metrics.ObserveGeneration(name, "empty", time.Since(start))
		return core.BlogPost{}, p.fail(core.StageGenerate, fmt.Errorf("backend %s returned empty text: %w", name, core.ErrBackendRejected), copyFields(fields))
	}
	metrics.ObserveGeneration(name, "ok", time.Since(start))
	okFields := copyFields(fields)
	okFields["tokens"] = strconv.Itoa(out.Tokens)
	if out.Truncated {
		okFields["truncated"] = "true"
	}
	p.emit(core.LevelInfo, core.StageGenerate, "generate ok", okFields)

	post := core.BlogPost{
		Title:     title,
		Content:   content,
		SourceURL: sourceURL,
		Backend:   name,
		CreatedAt: p.now(),
	}
	id, err := p.store.InsertPost(post)
	if err != nil {
		return core.BlogPost{}, p.fail(core.StagePersist, fmt.Errorf("insert post: %v: %w", err, core.ErrPersistence), copyFields(fields))
	}
	post.ID = id
	metrics.IncPost()
	fields["post_id"] = strconv.FormatUint(id, 10)
	p.emit(core.LevelInfo, core.StagePersist, "post stored", fields)
	p.log.Info("post generated", slog.Uint64("id", id), slog.String("backend", name), slog.String("title", title))
	return post, nil
}

// RunSource fetches new items of sourceID and runs each through Run. Items
// the ingestor already recorded are run even when it also reports an error,
// since they will not be returned again. Failures are joined.
func (p *Pipeline) RunSource(ctx context.Context, sourceID, template string) ([]core.BlogPost, error) {
	if p.ingestor == nil {
		return nil, &core.PipelineError{Stage: core.StageIngest, Err: errors.New("no feed ingestor configured")}
	}
	var errs []error
	items, err := p.ingestor.FetchByID(ctx, sourceID)
	if err != nil {
		ingestErr := p.fail(core.StageIngest, err, map[string]string{"source": sourceID, "items": strconv.Itoa(len(items))})
		if len(items) == 0 {
			return nil, ingestErr
		}
		errs = append(errs, ingestErr)
	} else {
		p.emit(core.LevelInfo, core.StageIngest, "ingest ok", map[string]string{"source": sourceID, "items": strconv.Itoa(len(items))})
	}

	var posts []core.BlogPost
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			errs = append(errs, &core.PipelineError{Stage: core.StageGenerate, Err: err})
			break
		}
		post, err := p.Run(ctx, FeedItem{Item: it, Template: template})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		posts = append(posts, post)
	}
	return posts, errors.Join(errs...)
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
