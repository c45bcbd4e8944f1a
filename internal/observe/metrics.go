// Package observe holds the voicecoach telemetry: OpenTelemetry instruments
// for the audio path and the session, trace helpers that tie client logs to
// the agent's view of a connection, and the ops server middleware.
//
// [InitTelemetry] exports every instrument into a dedicated Prometheus
// registry served at /metrics. [DefaultMetrics] binds to the global meter
// provider on first use; tests build their own with [NewMetrics] and a
// ManualReader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicecoach metrics.
const meterName = "github.com/MrWong99/voicecoach"

// Frame directions used with [Metrics.RecordDrop].
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
	DirectionPlayback = "playback"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio path counters ---

	// CaptureFrames counts frames produced by the capture pipeline.
	CaptureFrames metric.Int64Counter

	// FramesSent counts frames written to the websocket.
	FramesSent metric.Int64Counter

	// FramesReceived counts inbound audio frames.
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames discarded by a bounded queue. Use with attribute:
	//   attribute.String("direction", ...)
	FramesDropped metric.Int64Counter

	// PlaybackFrames counts frames scheduled on the output device.
	PlaybackFrames metric.Int64Counter

	// PlaybackUnderruns counts cursor snaps caused by the timeline falling
	// behind the device clock.
	PlaybackUnderruns metric.Int64Counter

	// --- Control plane ---

	// ControlMessages counts inbound control messages. Use with attribute:
	//   attribute.String("type", ...)
	ControlMessages metric.Int64Counter

	// ConnectDuration tracks the time from dial start to an open websocket.
	ConnectDuration metric.Float64Histogram

	// SessionTransitions counts state machine transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	SessionTransitions metric.Int64Counter

	// Reconnects counts automatic reconnects after a graceful session boundary.
	Reconnects metric.Int64Counter

	// SessionErrors counts terminal session errors. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions holding resources.
	ActiveSessions metric.Int64UpDownCounter

	// --- Ops server ---

	// OpsRequestDuration tracks ops endpoint latency. Use with attributes:
	//   attribute.String("route", ...), attribute.Int("status_code", ...)
	OpsRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for websocket connection setup.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Audio path.
	if met.CaptureFrames, err = m.Int64Counter("voicecoach.capture.frames",
		metric.WithDescription("Frames produced by the capture pipeline."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("voicecoach.transport.frames_sent",
		metric.WithDescription("Audio frames written to the remote agent."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("voicecoach.transport.frames_received",
		metric.WithDescription("Audio frames received from the remote agent."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicecoach.transport.frames_dropped",
		metric.WithDescription("Frames discarded by a bounded queue, by direction."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFrames, err = m.Int64Counter("voicecoach.playback.frames",
		metric.WithDescription("Frames scheduled on the output device."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("voicecoach.playback.underruns",
		metric.WithDescription("Playback timeline snaps after falling behind the device clock."),
	); err != nil {
		return nil, err
	}

	// Control plane.
	if met.ControlMessages, err = m.Int64Counter("voicecoach.transport.control_messages",
		metric.WithDescription("Inbound control messages by type."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("voicecoach.transport.connect.duration",
		metric.WithDescription("Latency of opening the websocket to the remote agent."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("voicecoach.session.transitions",
		metric.WithDescription("Session state machine transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voicecoach.session.reconnects",
		metric.WithDescription("Automatic reconnects after a graceful session boundary."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("voicecoach.session.errors",
		metric.WithDescription("Terminal session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicecoach.active_sessions",
		metric.WithDescription("Number of sessions currently holding audio or network resources."),
	); err != nil {
		return nil, err
	}

	// Ops server histogram.
	if met.OpsRequestDuration, err = m.Float64Histogram("voicecoach.ops.request.duration",
		metric.WithDescription("Ops endpoint latency by route and status code."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDrop records one frame discarded in the given direction.
func (m *Metrics) RecordDrop(ctx context.Context, direction string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordControl records one inbound control message of type typ.
func (m *Metrics) RecordControl(ctx context.Context, typ string) {
	m.ControlMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", typ)),
	)
}

// RecordTransition records a state machine transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordSessionError records a terminal session error of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
