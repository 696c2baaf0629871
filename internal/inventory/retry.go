package inventory

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls how contention is retried.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy is used when a service is configured without one.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond}

// Retry runs fn until it succeeds, fails with something other than
// ErrContention, or the attempts are exhausted. The wait grows linearly.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrContention) || attempt == attempts {
			return err
		}
		wait := time.Duration(attempt) * policy.Backoff
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
