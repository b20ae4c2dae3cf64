package core

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent marks err as not worth retrying; Retry returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Retry calls fn until it succeeds, returns a Permanent error, ctx ends, or
// maxRetries retries (on top of the first attempt) have been spent. The wait
// between attempts grows exponentially from initial.
func Retry(ctx context.Context, maxRetries int, initial time.Duration, fn func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = 5 * time.Second
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)
	return backoff.Retry(fn, policy)
}
