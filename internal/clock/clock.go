// Package clock abstracts wall-clock time and timers so that time-driven
// behaviour (debounce deadlines, reconnect delays) can be tested without
// real waits. Production code uses [Real]; tests use clock/mock.
package clock

import "time"

// Timer is a stoppable pending call created by [Clock.AfterFunc].
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Clock is the source of time for the session engine.
//
// Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f after d has elapsed. f may run on any goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the [Clock] backed by the time package.
type Real struct{}

// Now implements [Clock].
func (Real) Now() time.Time { return time.Now() }

// AfterFunc implements [Clock].
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

var _ Clock = Real{}
