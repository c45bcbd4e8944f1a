package session_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Not parallel: swaps the global tracer provider and logger.
func TestConnect_TracesAttemptAndDial(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	var logs bytes.Buffer
	origLog := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		slog.SetDefault(origLog)
		_ = tp.Shutdown(t.Context())
	})

	h := newHarness(t)
	h.activate(t)

	calls := h.dialer.Calls()
	if len(calls) != 1 || len(calls[0].TraceID) != 32 {
		t.Fatalf("dial calls = %+v, want one dial inside a trace", calls)
	}
	traceID := calls[0].TraceID

	var connectSpan bool
	for _, s := range exp.GetSpans() {
		if s.Name == "session.connect" {
			connectSpan = true
			if got := s.SpanContext.TraceID().String(); got != traceID {
				t.Errorf("session.connect trace = %s, dial trace = %s", got, traceID)
			}
		}
	}
	if !connectSpan {
		t.Error("no session.connect span recorded")
	}

	var found bool
	dec := json.NewDecoder(&logs)
	for dec.More() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("decode log: %v", err)
		}
		if rec["msg"] != "session: connection open" {
			continue
		}
		found = true
		if rec["trace_id"] != traceID {
			t.Errorf("connection log trace_id = %v, want %s", rec["trace_id"], traceID)
		}
	}
	if !found {
		t.Error("connection open was not logged")
	}
}
