// Package retry runs operations with bounded exponential backoff.
//
// Only failures remote.IsRetryable accepts are retried. Validation,
// conflict, authorization and unknown failures return on the first attempt.
// A Controller holds configuration only, so one value may be shared by any
// number of concurrent callers.
package retry

import (
	"context"
	"time"

	"github.com/five82/reportsync/internal/remote"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller configures retries. The zero value uses the defaults.
type Controller struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Sleep replaces the real wait, mostly for tests.
	Sleep SleepFunc
	// OnRetry, when set, observes each failed attempt that will be retried.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// New returns a Controller with the given policy.
func New(maxAttempts int, baseDelay time.Duration) Controller {
	return Controller{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// Execute runs op until it succeeds, fails permanently, or attempts run out.
func (c Controller) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, c Controller, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	base := c.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err
		if !remote.IsRetryable(err) || attempt == attempts {
			break
		}
		delay := Delay(attempt, base)
		if c.OnRetry != nil {
			c.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// Delay returns the wait after the given failed attempt: base * 2^(attempt-1).
func Delay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Backoff returns the wait after consecutive failures, doubling from base and
// capped at max. Used by pollers rather than by Do.
func Backoff(failures int, base, maxDelay time.Duration) time.Duration {
	if failures <= 0 {
		return base
	}
	backoff := base
	for i := 0; i < failures; i++ {
		backoff *= 2
		if backoff >= maxDelay {
			return maxDelay
		}
	}
	return backoff
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
