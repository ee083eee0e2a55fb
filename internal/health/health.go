// Package health serves the liveness and readiness probes for the relay.
//
// GET /healthz always answers 200: a process that can serve HTTP is alive.
// GET /readyz answers 200 only while every registered [Checker] passes, so
// an orchestrator stops routing traffic when the document store or the
// completion provider drops out. Both respond with a JSON body carrying a
// "status" field ("ok" or "fail") and, for readiness, a "checks" map with
// one entry per checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// A slow dependency must not hold the probe open indefinitely.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil while the
// dependency is usable and an error describing the failure otherwise; it
// must respect context cancellation.
type Checker struct {
	// Name keys this check in the JSON response, e.g. "database" or "llm".
	Name string

	Check func(ctx context.Context) error
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker list is fixed at
// construction, so a Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] that runs the given checkers, in order, on each
// readiness request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker under a [checkTimeout] deadline and reports
// 503 as soon as any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := report{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
