package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Fake is a manually advanced Clock built on clockwork's fake clock.
// Callbacks run synchronously on the goroutine calling Advance, in deadline
// order, and have all returned when Advance does.
type Fake struct {
	fc *clockwork.FakeClock

	mu     sync.Mutex
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *Fake
	inner clockwork.Timer
	at    time.Time
	seq   int
	f     func()
	fired chan struct{}
	done  bool
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{fc: clockwork.NewFakeClockAt(start)}
}

// Now returns the fake current time.
func (c *Fake) Now() time.Time {
	return c.fc.Now()
}

// AfterFunc registers f to run once the clock has been advanced by d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &fakeTimer{
		clock: c,
		at:    c.fc.Now().Add(d),
		seq:   c.seq,
		f:     f,
		fired: make(chan struct{}),
	}
	t.inner = c.fc.AfterFunc(d, func() { close(t.fired) })
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs every timer that fell due.
// Timers scheduled by those callbacks fire on a later Advance.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.fc.Advance(d)
	now := c.fc.Now()

	var due []*fakeTimer
	kept := c.timers[:0]
	for _, t := range c.timers {
		if t.at.After(now) {
			kept = append(kept, t)
			continue
		}
		t.done = true
		due = append(due, t)
	}
	c.timers = kept
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		<-t.fired
		t.f()
	}
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	t.inner.Stop()
	for i, candidate := range c.timers {
		if candidate == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	return true
}
