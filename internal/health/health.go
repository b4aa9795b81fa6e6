// Package health serves liveness and readiness probes for the assistant
// runtime.
//
//   - /healthz: liveness; a process that can answer HTTP is alive.
//   - /readyz: readiness; 200 only while every registered [Checker]
//     passes.
//
// Responses are JSON objects with a top-level "status" ("ok" or "fail")
// and a "checks" map holding each named probe result. Checker
// constructors for the runtime's own subsystems (client registry,
// timer scheduler, metrics collector) live here next to the handler.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/irbis-voice/irbis/internal/metrics"
	"github.com/irbis-voice/irbis/internal/registry"
	"github.com/irbis-voice/irbis/internal/sched"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil while the
// dependency can serve and an error describing the failure otherwise.
type Checker struct {
	// Name keys this probe in the JSON response ("registry",
	// "scheduler", "collector").
	Name string

	// Check probes the dependency. It must respect ctx cancellation.
	Check func(ctx context.Context) error
}

// RegistryCheck reports the client registry unready while its snapshot
// store is degraded. In-memory lookups keep working in that state, so
// liveness is unaffected; only readiness drops until a persist succeeds.
func RegistryCheck(reg *registry.Registry) Checker {
	return Checker{Name: "registry", Check: func(context.Context) error {
		if reg == nil {
			return errors.New("not configured")
		}
		if reg.Degraded() {
			return errors.New("snapshot store degraded")
		}
		return nil
	}}
}

// SchedulerCheck reports the timer scheduler unready once it stops
// accepting timers.
func SchedulerCheck(s *sched.Scheduler) Checker {
	return Checker{Name: "scheduler", Check: func(context.Context) error {
		if s == nil {
			return errors.New("not configured")
		}
		if !s.Alive() {
			return errors.New("shut down")
		}
		return nil
	}}
}

// CollectorCheck reports whether the metrics collector is wired.
func CollectorCheck(col *metrics.Collector) Checker {
	return Checker{Name: "collector", Check: func(context.Context) error {
		if col == nil {
			return errors.New("not configured")
		}
		return nil
	}}
}

// result is the JSON body for both endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use;
// the checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler that evaluates the given checkers, in order, on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 only when every checker passes. Each probe runs
// under a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds both routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status, falling back to a
// plain-text 500 when encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
