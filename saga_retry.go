package keel

import (
	"context"
	"math"
	"time"
)

// RetryPolicy decides how often a saga step calling an external activity is
// attempted and how long to wait in between.
type RetryPolicy interface {
	// MaxAttempts returns the total number of attempts, including the first.
	MaxAttempts() int

	// Delay returns the wait before the given retry (1 for the first retry).
	Delay(retry int) time.Duration
}

type retryPolicy struct {
	attempts int
	delay    func(retry int) time.Duration
}

func (p retryPolicy) MaxAttempts() int              { return p.attempts }
func (p retryPolicy) Delay(retry int) time.Duration { return p.delay(retry) }

// NoRetry attempts the step exactly once.
func NoRetry() RetryPolicy {
	return retryPolicy{attempts: 1, delay: func(int) time.Duration { return 0 }}
}

// FixedBackoff attempts the step up to maxAttempts times, waiting delay between attempts.
func FixedBackoff(maxAttempts int, delay time.Duration) RetryPolicy {
	return retryPolicy{
		attempts: max(maxAttempts, 1),
		delay:    func(int) time.Duration { return delay },
	}
}

// ExponentialBackoff attempts the step up to maxAttempts times, waiting base,
// 2*base, 4*base, ... capped at maxDelay. A maxDelay of zero or less leaves
// the growth uncapped, short of overflowing time.Duration.
func ExponentialBackoff(maxAttempts int, base, maxDelay time.Duration) RetryPolicy {
	return retryPolicy{
		attempts: max(maxAttempts, 1),
		delay: func(retry int) time.Duration {
			d := base
			for i := 1; i < retry && d > 0 && (maxDelay <= 0 || d < maxDelay); i++ {
				if d > math.MaxInt64/2 {
					d = math.MaxInt64
					break
				}
				d *= 2
			}
			if maxDelay > 0 && d > maxDelay {
				d = maxDelay
			}
			return d
		},
	}
}

// runWithRetry calls fn until it succeeds, fails terminally or the policy is
// exhausted. Exhaustion of a policy with more than one attempt yields an
// ActivityError wrapping the last failure.
func runWithRetry[T any](ctx context.Context, name string, policy RetryPolicy, logger Logger, fn func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	attempts := policy.MaxAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(policy.Delay(attempt - 1)):
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		if isTerminal(err) || ctx.Err() != nil {
			return zero, err
		}

		lastErr = err
		logger.Warn("Attempt failed",
			"operation", name,
			"attempt", attempt,
			"maxAttempts", attempts,
			"error", err)
	}

	if attempts == 1 {
		return zero, lastErr
	}
	return zero, &ActivityError{Activity: name, Attempts: attempts, Cause: lastErr}
}
