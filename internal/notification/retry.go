package notification

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FallbackFunc is called once a task has exhausted its attempts.
type FallbackFunc func(ctx context.Context, task Task, err error)

// RetryPolicy bounds how a notification task is retried.
type RetryPolicy struct {
	MaxAttempts int           // Total attempts including the first one
	BaseDelay   time.Duration // Delay before the first retry
	Multiplier  float64       // Growth factor of the delay between retries
	MaxDelay    time.Duration // Upper bound of a single delay; zero means unbounded
	Fallback    FallbackFunc
}

// DefaultRetryPolicy makes three attempts, waiting 200ms and then 400ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	} else {
		b.MaxInterval = time.Duration(1<<63 - 1)
	}

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Run executes task under the policy. onRetry is called before every retry. When every attempt
// fails the fallback is invoked and the last error is returned.
func (p RetryPolicy) Run(ctx context.Context, task Task, onRetry func(err error, wait time.Duration)) error {
	op := func() error {
		return task.Run(ctx)
	}
	notify := func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(err, wait)
		}
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	if err != nil && p.Fallback != nil {
		p.Fallback(ctx, task, err)
	}
	return err
}
