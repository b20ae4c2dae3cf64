package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPrompt    = errors.New("invalid prompt")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrBackendTimeout   = errors.New("backend timeout")
	ErrBackendRejected  = errors.New("backend rejected request")
	ErrFeedFetch        = errors.New("feed fetch failed")
	ErrFeedParse        = errors.New("feed parse failed")
	ErrPersistence      = errors.New("persistence failed")
	ErrNotFound         = errors.New("not found")
)

// PipelineError tags a failure with the pipeline stage it happened in.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// StageOf returns the stage of the outermost PipelineError in err, or "".
func StageOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return ""
}
