// Package retry provides a bounded exponential-backoff wrapper shared by the
// lock renewal loop, the id allocator and the operation scheduler.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop. The zero value retries nothing; use a MaxTries
// of at least 1, or Unbounded.
type Policy struct {
	// MaxTries is the total number of attempts, including the first.
	// Unbounded means no attempt limit.
	MaxTries int

	// Timeout is a wall-clock ceiling over all attempts and backoff
	// sleeps. Zero means no ceiling.
	Timeout time.Duration

	// MinDelay is the backoff before the first retry. Delays double per
	// retry up to MaxDelay.
	MinDelay time.Duration

	// MaxDelay caps the backoff delay. Zero means MinDelay is never grown.
	MaxDelay time.Duration

	// RetryOn decides whether a failed attempt should be retried. When
	// nil, every non-nil error is retried.
	RetryOn func(error) bool
}

// Unbounded disables the attempt limit of a Policy.
const Unbounded = 0

func (p Policy) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if p.RetryOn != nil {
		return p.RetryOn(err)
	}
	return true
}

// Delay returns the backoff before the retry following the given attempt
// (1-based): MinDelay doubled per attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.MinDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do invokes fn until it succeeds, the policy is exhausted, or ctx is
// cancelled. It returns the error from the final attempt, or ctx.Err() when
// the context ended first. fn always runs at least once.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for functions that return a value alongside the error. The
// value from the final attempt is returned with its error.
func DoValue[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()

	var (
		val T
		err error
	)

	for attempt := 1; ; attempt++ {
		val, err = fn(ctx)
		if !p.shouldRetry(err) {
			return val, err
		}

		if p.MaxTries != Unbounded && attempt >= p.MaxTries {
			return val, err
		}

		d := p.Delay(attempt)

		if p.Timeout > 0 && time.Since(start)+d > p.Timeout {
			return val, err
		}

		select {
		case <-ctx.Done():
			return val, ctx.Err()
		case <-time.After(d):
		}
	}
}
