package engine

import (
	"context"
	"time"
)

// RetryPolicy bounds Retry.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

var DefaultRetry = RetryPolicy{Attempts: 4, Base: 100 * time.Millisecond, Max: 2 * time.Second}

// Retry runs op until it succeeds, returns a non-retryable error or the
// attempts run out. The wait doubles after every failure.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	wait := p.Base
	var (
		res T
		err error
	)
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
			if p.Max > 0 && wait > p.Max {
				wait = p.Max
			}
		}
		res, err = op(ctx)
		if err == nil || !Retryable(err) {
			return res, err
		}
	}
	return res, err
}
