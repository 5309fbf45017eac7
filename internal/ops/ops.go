// Package ops serves the engine's operational HTTP endpoints.
//
//   - /healthz             — liveness probe; always returns 200 OK.
//   - /readyz              — readiness probe; returns 200 only when all
//     registered [Checker] functions pass.
//   - /metrics             — Prometheus scrape endpoint.
//   - /registry            — fingerprint and definitions of the active
//     tool registry.
//   - /sessions/{id}/stats — call statistics snapshot for one session.
//
// Health responses are JSON objects with a top-level "status" field ("ok"
// or "fail") and a "checks" map containing the result of each named
// checker. Wire the routes into a mux with [Handler.Register]; the caller
// owns the http.Server and any middleware around it.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/toolgate/pkg/tool"
	"github.com/MrWong99/toolgate/pkg/tool/dispatch"
	"github.com/MrWong99/toolgate/pkg/tool/session"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "database",
	// "registry"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// healthResult is the JSON response body for the health endpoints.
type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// registryResult is the JSON response body for the registry endpoint.
type registryResult struct {
	Version string            `json:"version"`
	Count   int               `json:"count"`
	Tools   []tool.Definition `json:"tools"`
}

// Handler serves the operational endpoints. It is safe for concurrent use;
// the checker list is fixed at construction time and the registry is read
// through the dispatcher, so hot swaps are visible immediately.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	checkers   []Checker
}

// New creates a [Handler] serving the given dispatcher's registry and the
// given session manager's statistics. The checkers are evaluated
// sequentially on each /readyz request, in the order provided.
func New(d *dispatch.Dispatcher, sessions *session.Manager, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{dispatcher: d, sessions: sessions, checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResult{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
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

	res := healthResult{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Registry reports the active tool registry: its content fingerprint and
// every definition, sorted by ID. The fingerprint changes on every hot
// swap, so operators can confirm a rebuild was picked up without replaying
// calls.
func (h *Handler) Registry(w http.ResponseWriter, _ *http.Request) {
	reg := h.dispatcher.Registry()
	defs := reg.All()
	writeJSON(w, http.StatusOK, registryResult{
		Version: reg.Version(),
		Count:   len(defs),
		Tools:   defs,
	})
}

// SessionStats reports the call statistics snapshot for one session as
// JSON. Unknown session IDs return 404. Reading statistics does not mark
// the session active, so scrapes never keep an idle session alive.
func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Get(r.PathValue("id"))
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Stats().Snapshot())
}

// Register adds all operational routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /registry", h.Registry)
	mux.HandleFunc("GET /sessions/{id}/stats", h.SessionStats)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
