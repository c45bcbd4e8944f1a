// Package playback schedules inbound agent audio on an output device clock.
//
// The [Scheduler] keeps a single cursor, the position at which the next frame
// starts. Frames are placed back to back at the cursor. When the cursor has
// fallen behind the device clock (an underrun, usually after a network stall)
// it is snapped to now plus a small jitter margin instead of scheduling audio
// in the past. The cursor never moves backwards.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/pkg/audio"
)

// DefaultJitterMargin is the lead applied when the cursor is snapped forward.
const DefaultJitterMargin = 50 * time.Millisecond

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithJitterMargin overrides [DefaultJitterMargin]. Negative values are ignored.
func WithJitterMargin(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.jitter = d
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Scheduler places decoded frames on an [audio.OutputStream] timeline.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	out       audio.OutputStream
	jitter    time.Duration
	metrics   *observe.Metrics
	validator *audio.FrameValidator

	mu        sync.Mutex
	cursor    time.Duration
	started   bool
	underruns int
}

// New creates a [Scheduler] writing to out. Inbound frames must carry the
// output stream's sample rate.
func New(out audio.OutputStream, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		jitter: DefaultJitterMargin,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.validator = &audio.FrameValidator{Rate: out.SampleRate()}
	return s
}

// Enqueue schedules frame and returns the position it was scheduled at.
// ok is false when the frame was discarded: zero-length, wrong sample rate,
// or refused by the device. A discarded frame never moves the cursor, except
// for a device refusal, which keeps the timeline aligned with what the
// device would have played.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) (at time.Duration, ok bool) {
	frame, err := s.validator.Validate(frame)
	if err != nil || frame.Empty() {
		return 0, false
	}
	samples := audio.DecodePCM16(frame.Data)
	dur := frame.Duration()
	ctx := context.Background()

	s.mu.Lock()
	now := s.out.Now()
	switch {
	case !s.started:
		if snap := now + s.jitter; s.cursor < snap {
			s.cursor = snap
		}
		s.started = true
	case s.cursor < now:
		s.underruns++
		s.metrics.PlaybackUnderruns.Add(ctx, 1)
		s.cursor = now + s.jitter
	}
	at = s.cursor
	s.cursor += dur
	s.mu.Unlock()

	if !s.out.Play(at, samples) {
		s.metrics.RecordDrop(ctx, observe.DirectionPlayback)
		return at, false
	}
	s.metrics.PlaybackFrames.Add(ctx, 1)
	return at, true
}

// Cursor returns the position at which the next frame would start.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Underruns returns how many times the cursor was snapped forward.
func (s *Scheduler) Underruns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underruns
}

// SetJitterMargin changes the snap lead for subsequent underruns.
func (s *Scheduler) SetJitterMargin(d time.Duration) {
	if d < 0 {
		return
	}
	s.mu.Lock()
	s.jitter = d
	s.mu.Unlock()
}
