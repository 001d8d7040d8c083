package sink

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff holds the retry delay settings of a batch delivery. Delays
// start at Base and double up to Cap; a zero Cap leaves them uncapped.
type Backoff struct {
	Base                time.Duration
	Cap                 time.Duration
	RandomizationFactor float64
}

// NewBackoff creates a backoff with half of each delay randomized
func NewBackoff(base, maxDelay time.Duration) Backoff {
	return Backoff{Base: base, Cap: maxDelay, RandomizationFactor: 0.5}
}

// Policy returns a fresh exponential policy for one delivery. It stops
// once ctx is done.
func (b Backoff) Policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Base
	exp.Multiplier = 2
	exp.RandomizationFactor = b.RandomizationFactor
	exp.MaxInterval = b.Cap
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Duration(math.MaxInt64)
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(exp, ctx)
}

// wait sleeps for the next delay of policy unless ctx ends first
func wait(ctx context.Context, policy backoff.BackOff) error {
	d := policy.NextBackOff()
	if d == backoff.Stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
