package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Paths served by the local ops server.
const (
	RouteHealthz = "/healthz"
	RouteReadyz  = "/readyz"
	RouteMetrics = "/metrics"
)

// routeOther labels requests for any path outside the ops routes, keeping the
// route attribute bounded.
const routeOther = "other"

func opsRoute(path string) string {
	switch path {
	case RouteHealthz, RouteReadyz, RouteMetrics:
		return path
	default:
		return routeOther
	}
}

// statusRecorder remembers the first status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status, r.wrote = code, true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware instruments the ops server. Every response is marked
// Cache-Control: no-store, because health and metrics describe the live
// session. Each request is recorded in [Metrics.OpsRequestDuration] by route
// and status code. Health and scrape traffic logs at debug, requests for
// unknown paths at info.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := opsRoute(r.URL.Path)

			w.Header().Set("Cache-Control", "no-store")
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			m.OpsRequestDuration.Record(r.Context(), elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("route", route),
					attribute.Int("status_code", rec.status),
				),
			)

			level := slog.LevelDebug
			if route == routeOther {
				level = slog.LevelInfo
			}
			slog.LogAttrs(r.Context(), level, "ops request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
