package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds each readiness check.
const probeTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil while the dependency
// can serve and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkResult is one probe outcome in the readiness response.
type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// probeResponse is the JSON body served by /healthz and /readyz.
type probeResponse struct {
	Status string        `json:"status"`
	Checks []checkResult `json:"checks,omitempty"`
}

// Handler serves the liveness and readiness endpoints. The checker list is
// fixed at construction; safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// NewHandler creates a Handler evaluating checkers, in order, per /readyz
// request.
func NewHandler(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness: a process that can serve this route is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, probeResponse{Status: "ok"})
}

// Readyz reports readiness: 200 only when every checker passes, 503 with the
// failing probes named otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := probeResponse{Status: "ok", Checks: make([]checkResult, 0, len(h.checkers))}
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Check(ctx)
		cancel()

		cr := checkResult{Name: c.Name, Status: "ok"}
		if err != nil {
			cr.Status = "fail"
			cr.Error = err.Error()
			res.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		res.Checks = append(res.Checks, cr)
	}

	h.respond(w, code, res)
}

func (h *Handler) respond(w http.ResponseWriter, code int, res probeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(res)
}
