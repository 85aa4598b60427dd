package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxroute/voxroute/internal/health"
	"github.com/voxroute/voxroute/internal/observe"
	"github.com/voxroute/voxroute/internal/rotation"
	"github.com/voxroute/voxroute/pkg/carrier/mediastream"
	"github.com/voxroute/voxroute/pkg/types"
)

// routes builds the HTTP surface: the carrier media endpoint, health and
// metrics probes, and the ops API.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	checkers := []health.Checker{
		{Name: "providers", Check: a.checkProviders},
	}
	if pinger, ok := a.backend.(interface {
		Ping(ctx context.Context) error
	}); ok {
		checkers = append(checkers, health.Checker{Name: "store", Check: pinger.Ping})
	}
	health.NewHandler(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/streams", a.handleStream)
	mux.HandleFunc("GET /v1/providers", a.handleProviders)
	mux.HandleFunc("POST /v1/providers/{id}/rotate", a.handleRotate)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/failover", a.handleSessionFailover)
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleEndSession)

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) checkProviders(context.Context) error {
	if a.registry.Len() == 0 {
		return errors.New("no providers registered")
	}
	return nil
}

// handleStream upgrades a carrier websocket, wraps it as a media leg, and
// runs a session over it. The handler blocks until the session ends so the
// hijacked connection stays owned by a live goroutine.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	leg, err := mediastream.Accept(r.Context(), conn)
	if err != nil {
		a.log.Warn("media stream handshake failed", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "invalid start envelope")
		return
	}

	sess, err := a.sessions.CreateSession(r.Context(), leg,
		types.NewCapabilitySet(types.CapCarrierWebSocket))
	if err != nil {
		a.log.Warn("session create failed",
			slog.String("leg", leg.ID()), slog.String("error", err.Error()))
		_ = leg.Close()
		conn.Close(websocket.StatusTryAgainLater, "no provider available")
		return
	}

	<-sess.Done()
}

// providerStatus is the JSON shape of one provider in the ops listing.
type providerStatus struct {
	ID             string  `json:"id"`
	Weight         int     `json:"weight"`
	Health         string  `json:"health"`
	Breaker        string  `json:"breaker"`
	AvgLatencyMs   float64 `json:"avg_latency_ms,omitempty"`
	AvgHandleTimeS float64 `json:"avg_handle_time_s"`
}

func (a *App) handleProviders(w http.ResponseWriter, _ *http.Request) {
	snapshots := a.breakers.Snapshots()

	var out []providerStatus
	for _, prof := range a.registry.ListCandidates(nil) {
		ps := providerStatus{
			ID:             prof.ID,
			Weight:         prof.Weight,
			Health:         a.monitor.Status(prof.ID).String(),
			Breaker:        snapshots[prof.ID].State.String(),
			AvgHandleTimeS: a.monitor.AverageHandleTime(prof.ID),
		}
		if lat, ok := a.monitor.AverageLatency(prof.ID); ok {
			ps.AvgLatencyMs = float64(lat) / float64(time.Millisecond)
		}
		out = append(out, ps)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleRotate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.rotation.RotateNow(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
	case errors.Is(err, rotation.ErrUnknownProvider):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, rotation.ErrRotationInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

// sessionView is the JSON shape of one session in the ops API.
type sessionView struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Provider  string    `json:"provider"`
	StartedAt time.Time `json:"started_at"`
	Turns     int       `json:"turns"`
}

func (a *App) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sessionView{
		ID:        sess.ID,
		Status:    string(sess.Status()),
		Provider:  sess.Provider(),
		StartedAt: sess.StartedAt(),
		Turns:     len(sess.Context().Turns),
	})
}

func (a *App) handleSessionFailover(w http.ResponseWriter, r *http.Request) {
	err := a.sessions.Failover(r.Context(), r.PathValue("id"), types.ReasonManual)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "switched"})
	case errors.Is(err, ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func (a *App) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.EndSession(r.Context(), r.PathValue("id"), EndReasonOperatorRequest); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
