// Package clock abstracts timers so reconnect and notification delays can be
// driven deterministically in tests.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Clock schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct {
	clockwork.Clock
}

// Real returns a Clock backed by the system time.
func Real() Clock {
	return realClock{Clock: clockwork.NewRealClock()}
}

func (c realClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.Clock.AfterFunc(d, f)
}
