// Package health serves the liveness and readiness endpoints of the local ops
// server.
//
// /healthz answers 200 while the process can serve HTTP and reports uptime.
// /readyz answers 200 only when every [Checker] passes; the voice session is
// not ready while it sits in the error state. Both return a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/MrWong99/voicecoach/internal/observe"
)

// readyTimeout bounds one /readyz evaluation across all checkers.
const readyTimeout = 2 * time.Second

// Checker reports whether one part of the client is ready. Check returns nil
// when it is.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Report is the response body of both endpoints.
type Report struct {
	Status string        `json:"status"`
	Uptime string        `json:"uptime"`
	Checks []CheckResult `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == "ok" }

// Handler serves the health endpoints. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	started  time.Time
	now      func() time.Time
	timeout  time.Duration
}

// New returns a Handler evaluating checkers in order on every readiness
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: slices.Clone(checkers),
		started:  time.Now(),
		now:      time.Now,
		timeout:  readyTimeout,
	}
}

func (h *Handler) uptime() string {
	return h.now().Sub(h.started).Truncate(time.Second).String()
}

// Ready runs every checker under one shared deadline.
func (h *Handler) Ready(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rep := Report{Status: "ok", Uptime: h.uptime()}
	for _, c := range h.checkers {
		res := CheckResult{Name: c.Name, OK: true}
		if err := c.Check(ctx); err != nil {
			res.OK, res.Error = false, err.Error()
			rep.Status = "fail"
		}
		rep.Checks = append(rep.Checks, res)
	}
	return rep
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{Status: "ok", Uptime: h.uptime()})
}

// Readyz answers 200 when [Handler.Ready] passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Ready(r.Context())
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusServiceUnavailable
	}
	writeReport(w, status, rep)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+observe.RouteHealthz, h.Healthz)
	mux.HandleFunc("GET "+observe.RouteReadyz, h.Readyz)
}

func writeReport(w http.ResponseWriter, status int, rep Report) {
	body, err := json.Marshal(rep)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
