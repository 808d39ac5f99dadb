// Package retry provides jittered exponential backoff around fallible operations.
// Delay growth and jitter come from cenkalti/backoff; classification of what is
// worth retrying belongs to the caller (defaulting to perr.Retryable)
package retry

import (
	"context"
	"time"

	perr "flowsync/internal/platform/errors"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop
type Policy struct {
	MaxAttempts     int           // total attempts including the first
	BaseDelay       time.Duration // delay before the first retry
	MaxDelay        time.Duration // cap applied before jitter
	ExponentialBase float64       // growth factor between attempts
	Jitter          bool          // +/-25% randomization when true
}

// DefaultPolicy matches the remote client's posture: three tries, seconds apart
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.ExponentialBase < 1 {
		p.ExponentialBase = 2.0
	}
	return p
}

// sleepCtx waits for d or until ctx is done; swappable for tests
var sleepCtx = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op, retrying per p while retryable(err) holds. A nil retryable
// defaults to perr.Retryable. Non-retryable errors propagate immediately;
// exhaustion returns the last cause wrapped with ErrorCodeRetryExhausted
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) error) error {
	p = p.withDefaults()
	if retryable == nil {
		retryable = perr.Retryable
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = p.ExponentialBase
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0 // attempts bound the loop, not wall time
	if p.Jitter {
		bo.RandomizationFactor = 0.25
	} else {
		bo.RandomizationFactor = 0
	}
	bo.Reset()

	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return perr.Wrap(err, perr.ErrorCodeTransient, "retry canceled")
		}

		last = op(ctx)
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
		if attempt >= p.MaxAttempts {
			return perr.Wrapf(last, perr.ErrorCodeRetryExhausted, "retries exhausted after %d attempts", attempt)
		}

		d := bo.NextBackOff()
		if d == backoff.Stop {
			d = p.MaxDelay
		}
		if err := sleepCtx(ctx, d); err != nil {
			return perr.Wrap(err, perr.ErrorCodeTransient, "retry canceled")
		}
	}
}
