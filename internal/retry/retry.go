// Package retry runs an operation with bounded, jittered exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes how often and how patiently to retry.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean one attempt.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt. It doubles after
	// every further failure.
	BaseDelay time.Duration
	// MaxJitter is the upper bound of the random delay added to each wait.
	MaxJitter time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default matches the advisory analysis and session init behavior: three
// attempts, 600ms base delay, up to 250ms of jitter.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 600 * time.Millisecond, MaxJitter: 250 * time.Millisecond}
}

// Delay returns the wait before attempt n (n >= 2), without jitter.
func (p Policy) Delay(n int) time.Duration {
	if n < 2 {
		return 0
	}
	return p.BaseDelay << (n - 2)
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. Non-retryable errors are returned
// unchanged.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := p.Delay(attempt)
			if p.MaxJitter > 0 {
				wait += rand.N(p.MaxJitter + 1)
			}
			if err := sleep(ctx, wait); err != nil {
				return errors.Join(err, lastErr)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
