// Package mock provides in-memory mock implementations of the [audio.Microphone],
// [audio.InputStream], [audio.Speaker], and [audio.OutputStream] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := &mock.InputStream{Rate: 48000}
//	mic := &mock.Microphone{AcquireResult: stream}
//	in, _ := mic.Acquire(ctx)
//	_ = in.Start(func(block []float32) { ... })
//	stream.Emit(make([]float32, 960))
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream].
// Use [InputStream.Emit] to simulate a device block.
type InputStream struct {
	mu sync.Mutex

	// cbMu is held for reading while a callback runs so Stop can wait for it.
	cbMu sync.RWMutex
	cb   func([]float32)

	// Rate is returned by SampleRate. Defaults to 48000 when zero.
	Rate int

	// StartError is returned by Start.
	StartError error

	// CloseError is returned by the first Close.
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// SampleRate implements [audio.InputStream].
func (s *InputStream) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rate == 0 {
		return 48000
	}
	return s.Rate
}

// Start implements [audio.InputStream]. The callback is kept unless
// StartError is set.
func (s *InputStream) Start(fn func(block []float32)) error {
	s.mu.Lock()
	s.CallCountStart++
	err := s.StartError
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.cbMu.Lock()
	s.cb = fn
	s.cbMu.Unlock()
	return nil
}

// Stop implements [audio.InputStream]. It waits for an in-flight Emit.
func (s *InputStream) Stop() {
	s.mu.Lock()
	s.CallCountStop++
	s.mu.Unlock()
	s.cbMu.Lock()
	s.cb = nil
	s.cbMu.Unlock()
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	return s.CloseError
}

// Emit delivers block to the registered callback, if any, and reports
// whether a callback consumed it.
func (s *InputStream) Emit(block []float32) bool {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	if s.cb == nil {
		return false
	}
	s.cb(block)
	return true
}

// Started reports whether a callback is currently registered.
func (s *InputStream) Started() bool {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.cb != nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// AcquireResult is returned by Acquire. When nil, every Acquire returns a
	// fresh [InputStream], appended to Acquired.
	AcquireResult audio.InputStream

	// AcquireError is returned by Acquire.
	AcquireError error

	// Gate, if non-nil, makes Acquire block until Gate is closed or ctx is
	// cancelled. Use it to hold an acquisition in flight.
	Gate chan struct{}

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// Acquired records the default streams created by Acquire.
	Acquired []*InputStream
}

// Acquire implements [audio.Microphone].
func (m *Microphone) Acquire(ctx context.Context) (audio.InputStream, error) {
	m.mu.Lock()
	m.CallCountAcquire++
	gate := m.Gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AcquireError != nil {
		return nil, m.AcquireError
	}
	if m.AcquireResult != nil {
		return m.AcquireResult, nil
	}
	s := &InputStream{}
	m.Acquired = append(m.Acquired, s)
	return s, nil
}

// AcquireCount returns CallCountAcquire under the lock.
func (m *Microphone) AcquireCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountAcquire
}

// Streams returns a copy of Acquired.
func (m *Microphone) Streams() []*InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Acquired)
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [OutputStream.Play] invocation.
type PlayCall struct {
	// At is the scheduled start position.
	At time.Duration
	// Samples is a copy of the scheduled buffer.
	Samples []float32
}

// OutputStream is a mock implementation of [audio.OutputStream] whose clock
// is set by the test.
type OutputStream struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to [audio.PlaybackRate].
	Rate int

	// Drop makes Play report a dropped buffer.
	Drop bool

	// CloseError is returned by Close.
	CloseError error

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now time.Duration
}

// SampleRate implements [audio.OutputStream].
func (o *OutputStream) SampleRate() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Rate == 0 {
		return audio.PlaybackRate
	}
	return o.Rate
}

// Now implements [audio.OutputStream].
func (o *OutputStream) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the device clock to d.
func (o *OutputStream) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Advance moves the device clock forward by d.
func (o *OutputStream) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Play implements [audio.OutputStream]. Records the call.
func (o *OutputStream) Play(at time.Duration, samples []float32) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.PlayCalls = append(o.PlayCalls, PlayCall{At: at, Samples: slices.Clone(samples)})
	return !o.Drop && o.CallCountClose == 0
}

// Close implements [audio.OutputStream].
func (o *OutputStream) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseError
}

// Plays returns a copy of PlayCalls.
func (o *OutputStream) Plays() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.PlayCalls)
}

// Closed reports whether Close has been called.
func (o *OutputStream) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose > 0
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Speaker.Open] invocation.
type OpenCall struct {
	// SampleRate is the rate passed to Open.
	SampleRate int
}

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// OpenResult is returned by Open. When nil, every Open returns a fresh
	// [OutputStream], appended to Opened.
	OpenResult audio.OutputStream

	// OpenError is returned by Open.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// Opened records the default streams created by Open.
	Opened []*OutputStream
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context, sampleRate int) (audio.OutputStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{SampleRate: sampleRate})
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	if s.OpenResult != nil {
		return s.OpenResult, nil
	}
	o := &OutputStream{Rate: sampleRate}
	s.Opened = append(s.Opened, o)
	return o, nil
}

// Streams returns a copy of Opened.
func (s *Speaker) Streams() []*OutputStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Opened)
}

// Compile-time interface assertions.
var (
	_ audio.InputStream  = (*InputStream)(nil)
	_ audio.Microphone   = (*Microphone)(nil)
	_ audio.OutputStream = (*OutputStream)(nil)
	_ audio.Speaker      = (*Speaker)(nil)
)
