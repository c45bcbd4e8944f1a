// Package capture turns blocks from an acquired microphone stream into
// protocol-rate PCM frames.
//
// A [Pipeline] is bound to one connection attempt: it owns a fresh
// [audio.Resampler] and forwards every produced frame to a [FrameSink]
// (normally the transport connection). The underlying [audio.InputStream] is
// not owned by the pipeline; stopping the pipeline only detaches the
// callback so the device can be reused by the next attempt.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/pkg/audio"
)

// FrameSink receives captured frames. SendAudio must never block; it reports
// false when the frame was dropped.
type FrameSink interface {
	SendAudio(frame audio.AudioFrame) bool
}

// Stats is a point-in-time summary of a pipeline's activity.
type Stats struct {
	// Blocks is the number of device blocks processed.
	Blocks uint64

	// Frames is the number of frames accepted by the sink.
	Frames uint64

	// Dropped is the number of frames the sink refused.
	Dropped uint64

	// Samples is the number of target-rate samples produced.
	Samples uint64
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithTargetRate overrides the output sample rate. Default: [audio.CaptureRate].
func WithTargetRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.targetRate = rate
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Pipeline resamples and encodes microphone audio for one connection attempt.
//
// All methods are safe for concurrent use.
type Pipeline struct {
	stream     audio.InputStream
	sink       FrameSink
	targetRate int
	metrics    *observe.Metrics

	mu        sync.Mutex
	running   bool
	resampler *audio.Resampler
	emitted   int // target-rate samples produced since Start

	blocks  atomic.Uint64
	frames  atomic.Uint64
	dropped atomic.Uint64
	samples atomic.Uint64
}

// New creates a [Pipeline] reading from stream and writing to sink. The
// pipeline is idle until [Pipeline.Start] is called.
func New(stream audio.InputStream, sink FrameSink, opts ...Option) *Pipeline {
	p := &Pipeline{
		stream:     stream,
		sink:       sink,
		targetRate: audio.CaptureRate,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.resampler = audio.NewResampler(stream.SampleRate(), p.targetRate)
	return p
}

// Start registers the block callback on the stream. Calling Start on a
// running pipeline is a no-op.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.resampler.Reset()
	p.emitted = 0
	p.running = true
	p.mu.Unlock()

	if err := p.stream.Start(p.process); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return fmt.Errorf("capture: start: %w", err)
	}
	slog.Debug("capture: started",
		"native_rate", p.stream.SampleRate(),
		"target_rate", p.targetRate,
	)
	return nil
}

// Stop detaches the callback. When Stop returns no further frame reaches the
// sink. The device itself stays acquired. Stop is idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	p.mu.Unlock()

	p.stream.Stop()
	if wasRunning {
		st := p.Stats()
		slog.Debug("capture: stopped",
			"frames", st.Frames,
			"dropped", st.Dropped,
		)
	}
}

// Running reports whether the callback is registered.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Blocks:  p.blocks.Load(),
		Frames:  p.frames.Load(),
		Dropped: p.dropped.Load(),
		Samples: p.samples.Load(),
	}
}

// process is the device callback. It runs on the device goroutine.
func (p *Pipeline) process(block []float32) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	out := p.resampler.Process(block)
	ts := audio.SamplesDuration(p.emitted, p.targetRate)
	p.emitted += len(out)
	p.mu.Unlock()

	p.blocks.Add(1)
	if len(out) == 0 {
		return
	}
	p.samples.Add(uint64(len(out)))

	frame := audio.AudioFrame{
		Data:       audio.EncodePCM16(out),
		SampleRate: p.targetRate,
		Channels:   1,
		Timestamp:  ts,
	}
	ctx := context.Background()
	if !p.sink.SendAudio(frame) {
		p.dropped.Add(1)
		p.metrics.RecordDrop(ctx, observe.DirectionOutbound)
		return
	}
	p.frames.Add(1)
	p.metrics.CaptureFrames.Add(ctx, 1)
}
