// Package http serves the operational status endpoint: liveness plus a small
// snapshot of scheduler and coalescer state for dashboards and probes.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Stats is implemented by the subsystems the status endpoint reports on.
type Stats interface {
	ActiveBuffers() int
	PendingUsageWindows() int
	TrackedUsers() int
	StoreConnected() bool
}

// StatusHandler exposes /healthz and /v1/status.
type StatusHandler struct {
	stats   Stats
	token   string
	version string
}

// NewStatusHandler creates the handler. token, when non-empty, guards
// /v1/status with bearer auth; /healthz stays open for probes.
func NewStatusHandler(stats Stats, token, version string) *StatusHandler {
	return &StatusHandler{stats: stats, token: token, version: version}
}

// RegisterRoutes registers the status routes on the given mux.
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /v1/status", h.auth(h.handleStatus))
}

func (h *StatusHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			if extractBearerToken(r) != h.token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (h *StatusHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.stats.StoreConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":               h.version,
		"active_buffers":        h.stats.ActiveBuffers(),
		"pending_usage_windows": h.stats.PendingUsageWindows(),
		"tracked_users":         h.stats.TrackedUsers(),
		"store_connected":       h.stats.StoreConnected(),
	})
}

// Serve runs the status server until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler *StatusHandler) error {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("status server listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func extractBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
