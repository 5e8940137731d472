package db

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds retries of infrastructure conflicts.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is used when a zero policy is supplied.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay * 16
	}
	return p
}

// Retry runs fn until it succeeds, returns a non-retryable error, the context
// ends or attempts run out. The last error is returned on exhaustion; onRetry
// is invoked before each new attempt.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	policy = policy.normalised()
	delay := policy.BaseDelay
	var err error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil || retryable == nil || !retryable(err) {
			return err
		}
		if attempt == policy.Attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		jitter := time.Duration(rand.Int64N(int64(delay)/2 + 1))
		timer := time.NewTimer(delay + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return err
}
