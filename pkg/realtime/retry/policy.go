// Package retry provides the reconnect timing policies used by the
// connection manager.
package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultDelay is the pause before a reconnect advisory.
const DefaultDelay = 5 * time.Second

// Policy decides how long to wait before the given reconnect attempt.
// Attempts are numbered from 1. Returning false means no further attempts
// should be made.
type Policy interface {
	Delay(attempt int) (time.Duration, bool)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(attempt int) (time.Duration, bool)

func (f PolicyFunc) Delay(attempt int) (time.Duration, bool) {
	return f(attempt)
}

// Default waits DefaultDelay before every attempt, forever.
func Default() Policy {
	return Fixed(DefaultDelay)
}

// Fixed waits the same delay before every attempt.
func Fixed(delay time.Duration) Policy {
	if delay < 0 {
		delay = 0
	}
	return PolicyFunc(func(attempt int) (time.Duration, bool) {
		return delay, true
	})
}

// Exponential grows the delay by Multiplier on each attempt, capped at Max.
// A zero MaxAttempts means unlimited. Delays are computed with a
// non-randomized backoff.ExponentialBackOff, reset for every call, so a
// Policy value can be shared.
type Exponential struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

func (e Exponential) Delay(attempt int) (time.Duration, bool) {
	if e.MaxAttempts > 0 && attempt > e.MaxAttempts {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}

	b := e.backOff()
	delay := b.NextBackOff()
	for i := 1; i < attempt && delay < b.MaxInterval; i++ {
		delay = b.NextBackOff()
	}
	return delay, true
}

func (e Exponential) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	b.MaxInterval = e.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.InitialInterval = e.Initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultDelay
	}
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	b.Multiplier = e.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}

	b.Reset()
	return b
}

// WithMaxAttempts stops p after n attempts. n <= 0 leaves p unlimited.
func WithMaxAttempts(p Policy, n int) Policy {
	if n <= 0 {
		return p
	}
	return PolicyFunc(func(attempt int) (time.Duration, bool) {
		if attempt > n {
			return 0, false
		}
		return p.Delay(attempt)
	})
}
