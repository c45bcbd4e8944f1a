package session

import "time"

// Default reconnection parameters.
const (
	defaultMaxAttempts    = 3
	defaultReconnectDelay = 1 * time.Second
)

// ReconnectPolicy bounds the automatic reconnects triggered by a graceful
// server-side session boundary. Abrupt failures are never retried.
//
// The attempt counter lives in the [Session] and is reset only by a
// user-initiated [Session.Start].
type ReconnectPolicy struct {
	// MaxAttempts is the number of automatic reconnects allowed per
	// conversation. Zero disables reconnecting.
	MaxAttempts int

	// Delay is the wait before the first reconnect. Defaults to 1s if zero.
	Delay time.Duration

	// MaxDelay, when greater than Delay, enables doubling backoff: the wait
	// before attempt n is Delay·2^(n-1), capped at MaxDelay. Otherwise every
	// reconnect waits Delay.
	MaxDelay time.Duration
}

// DefaultReconnectPolicy returns three reconnects, one second apart.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: defaultMaxAttempts,
		Delay:       defaultReconnectDelay,
	}
}

// normalized fills in the zero-value defaults.
func (p ReconnectPolicy) normalized() ReconnectPolicy {
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.Delay <= 0 {
		p.Delay = defaultReconnectDelay
	}
	return p
}

// Allows reports whether another reconnect is permitted after used attempts.
func (p ReconnectPolicy) Allows(used int) bool {
	return used < p.MaxAttempts
}

// Backoff returns the wait before the given 1-based attempt.
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	d := p.Delay
	if p.MaxDelay <= p.Delay || attempt <= 1 {
		return d
	}
	for range attempt - 1 {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}
