package core

import (
	"context"
	"time"
)

// Backend produces text from a prompt. Implementations are value-like: once
// constructed they are never mutated, so a caller holding one keeps its
// behaviour for the whole call.
type Backend interface {
	// Generate returns at most maxLength output tokens for prompt.
	Generate(ctx context.Context, prompt string, maxLength int) (GeneratedText, error)
}

// Store is the persistence collaborator used by the pipeline, ingestor and scheduler.
type Store interface {
	InsertPost(post BlogPost) (uint64, error)
	RecentPosts(limit int) ([]BlogPost, error)

	// InsertFeedItem records the item unless its (SourceID, GUID) is already
	// present; inserted reports whether this call stored it.
	InsertFeedItem(item FeedItem) (inserted bool, err error)
	HasFeedItem(sourceID, guid string) (bool, error)

	SaveFeedSource(src FeedSource) error
	FeedSource(id string) (FeedSource, bool, error)
	ListFeedSources() ([]FeedSource, error)

	SaveAutomation(a Automation) error
	ListAutomations() ([]Automation, error)
	UpdateAutomation(a Automation) error
}

// Recorder receives observability events. Implementations must be safe for
// concurrent use and must not block for long.
type Recorder interface {
	Record(evt Event)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Event)

func (f RecorderFunc) Record(evt Event) { f(evt) }

// BackendKind tags the two adapter variants.
type BackendKind string

const (
	KindLocal  BackendKind = "local"
	KindRemote BackendKind = "remote"
)

// BackendConfig names a backend and how to build it.
type BackendConfig struct {
	Name      string      `json:"name" yaml:"name"`
	Kind      BackendKind `json:"kind" yaml:"kind"`
	ModelRef  string      `json:"model_ref" yaml:"model_ref"`
	Endpoint  string      `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	APIKeyEnv string      `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	// TimeoutSeconds bounds a single remote call including retries.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// GeneratedText is the raw output of a backend.
type GeneratedText struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
	// Truncated is set when maxLength cut the output short.
	Truncated bool `json:"truncated,omitempty"`
}

// FeedSource is a registered RSS or Atom URL.
type FeedSource struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Name          string    `json:"name,omitempty"`
	LastFetchedAt time.Time `json:"last_fetched_at,omitempty"`
	ETag          string    `json:"etag,omitempty"`
	Checksum      string    `json:"checksum,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// FeedItem is one entry of a feed. (SourceID, GUID) is unique.
type FeedItem struct {
	SourceID    string    `json:"source_id"`
	GUID        string    `json:"guid"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Summary     string    `json:"summary,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Automation fires the pipeline on a schedule, optionally fed by a source.
type Automation struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Schedule       string    `json:"schedule"`
	SourceID       string    `json:"source_id,omitempty"`
	PromptTemplate string    `json:"prompt_template,omitempty"`
	LastRunAt      time.Time `json:"last_run_at,omitempty"`
	NextDueAt      time.Time `json:"next_due_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// BlogPost is a generated, persisted article. Posts are never updated.
type BlogPost struct {
	ID        uint64    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	SourceURL string    `json:"source_url,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Level is the severity of an Event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Stage names used in events and pipeline errors.
const (
	StageIngest    = "ingest"
	StageGenerate  = "generate"
	StagePersist   = "persist"
	StageScheduler = "scheduler"
)

// Event is one observability record.
type Event struct {
	Level     Level             `json:"level"`
	Stage     string            `json:"stage"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}
