package errors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy is the single retry policy applied to embedding provider and
// store calls. Each attempt must acquire and release its own resources so
// nothing is held while sleeping.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between attempts.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each attempt.
	Multiplier float64

	// Jitter adds randomness to delay to prevent thundering herd.
	Jitter bool

	// Retryable decides whether an error is worth another attempt.
	// Nil means IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the default policy: 3 attempts, delay doubling
// from 500ms up to 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// DelayFor returns the backoff delay applied after the given failed attempt
// (1-based), before jitter.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.multiplier())
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// backoff is DelayFor with jitter applied: delay * (0.5 + rand(0, 0.5)).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.DelayFor(attempt)
	if p.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}

func (p RetryPolicy) multiplier() float64 {
	if p.Multiplier <= 0 {
		return 2.0
	}
	return p.Multiplier
}

func (p RetryPolicy) shouldRetry(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsRetryable(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It reports how many attempts were made.
// The last error is preserved in the returned chain.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	_, attempts, err := DoWithResult(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return attempts, err
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, attempt - 1, ctx.Err()
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if !p.shouldRetry(err) {
			return zero, attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, maxAttempts, fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
