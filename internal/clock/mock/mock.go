// Package mock provides a manually advanced [clock.Clock] for tests.
//
// Timers fire synchronously on the goroutine calling [Clock.Advance], in
// deadline order, so tests observe every effect of a timer as soon as
// Advance returns.
//
//	clk := mock.New(time.Unix(0, 0))
//	clk.AfterFunc(time.Second, func() { fired = true })
//	clk.Advance(time.Second) // fired == true
package mock

import (
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/internal/clock"
)

// Clock is a mock implementation of [clock.Clock].
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
}

type timer struct {
	c       *Clock
	seq     int
	at      time.Time
	f       func()
	stopped bool
}

// New returns a Clock reading start.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now implements [clock.Clock].
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements [clock.Clock]. A non-positive d fires on the next
// Advance, including Advance(0).
func (c *Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{c: c, seq: c.seq, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Stop implements [clock.Timer].
func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.c.timers = slices.DeleteFunc(t.c.timers, func(o *timer) bool { return o == t })
	return true
}

// Advance moves the clock forward by d and runs every timer that became due,
// earliest first. Timers scheduled by a running callback fire within the same
// Advance when their deadline is not later than the new time.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.stopped = true
		c.timers = slices.DeleteFunc(c.timers, func(o *timer) bool { return o == next })
		c.mu.Unlock()

		next.f()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// nextDueLocked returns the earliest timer due at or before target.
func (c *Clock) nextDueLocked(target time.Time) *timer {
	var best *timer
	for _, t := range c.timers {
		if t.at.After(target) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

var _ clock.Clock = (*Clock)(nil)
