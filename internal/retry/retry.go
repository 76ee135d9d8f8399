// Package retry holds the retry policy shared by sessions and orchestrators.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned (wrapped) when every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// Policy describes how many times an operation is repeated.
// MaxRetries counts repeats after the first attempt, so an operation runs
// at most MaxRetries+1 times.
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// Attempts returns the total number of tries the policy allows.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// policy runs out. retryable may be nil, in which case every error is
// retried. The attempt number passed to fn starts at 1.
//
// When all attempts fail the last error is wrapped together with ErrExhausted.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) error {
	var lastErr error
	total := p.Attempts()
	for attempt := 1; attempt <= total; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == total {
			break
		}
		if err := Sleep(ctx, p.Backoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, total, lastErr)
}

// Sleep waits for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
