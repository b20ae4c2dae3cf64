// Package observe routes pipeline and scheduler events to logs, metrics and
// the persisted event log.
package observe

import (
	"context"
	"log/slog"
	"sort"

	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/metrics"
)

// EventStore persists events.
type EventStore interface {
	AppendEvent(evt core.Event) error
}

// Fanout forwards each event to every recorder in order.
type Fanout []core.Recorder

func (f Fanout) Record(evt core.Event) {
	for _, r := range f {
		if r != nil {
			r.Record(evt)
		}
	}
}

// Logger writes events through slog at the matching level.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) Record(evt core.Event) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	attrs := []slog.Attr{slog.String("stage", evt.Stage)}
	keys := make([]string, 0, len(evt.Fields))
	for k := range evt.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, evt.Fields[k]))
	}
	log.LogAttrs(context.Background(), slogLevel(evt.Level), evt.Message, attrs...)
}

func slogLevel(l core.Level) slog.Level {
	switch l {
	case core.LevelError:
		return slog.LevelError
	case core.LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Metrics counts events by stage and level.
type Metrics struct{}

func (Metrics) Record(evt core.Event) {
	metrics.IncEvent(evt.Stage, string(evt.Level))
}

// Persist appends events to the store. Write failures are logged and dropped
// so a broken event log never fails a pipeline run.
type Persist struct {
	Store EventStore
	Log   *slog.Logger
}

func (p Persist) Record(evt core.Event) {
	if p.Store == nil {
		return
	}
	if err := p.Store.AppendEvent(evt); err != nil {
		log := p.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("event log append failed", slog.String("err", err.Error()))
	}
}

// New returns the standard fan-out: slog, prometheus, event log.
func New(log *slog.Logger, st EventStore) core.Recorder {
	return Fanout{Logger{Log: log}, Metrics{}, Persist{Store: st, Log: log}}
}
