package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/teemow/imanage-mcp/internal/session"
)

const (
	probeOK           = "ok"
	probeHealthy      = "healthy"
	probeNotReady     = "not ready"
	probeShuttingDown = "shutting down"
)

// HealthChecker serves /health and the Kubernetes probes. Readiness is
// cleared when the HTTP server begins shutting down.
type HealthChecker struct {
	sc      *ServerContext
	ready   atomic.Bool
	started time.Time
	now     func() time.Time
}

// NewHealthChecker returns a checker that starts ready. sc may be nil.
func NewHealthChecker(sc *ServerContext) *HealthChecker {
	h := &HealthChecker{sc: sc, started: time.Now(), now: time.Now}
	h.ready.Store(true)
	return h
}

// SetReady flips the /readyz result.
func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

// ProbeResponse is the body of /healthz and /readyz.
type ProbeResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ServiceHealthResponse is the /health document.
type ServiceHealthResponse struct {
	Status          string  `json:"status"`
	Timestamp       float64 `json:"timestamp"`
	Version         string  `json:"version"`
	AuthMode        string  `json:"auth_mode"`
	UserAuthEnabled bool    `json:"user_auth_enabled"`
}

// DetailedHealthResponse adds uptime, service token and session state.
type DetailedHealthResponse struct {
	Status             string            `json:"status"`
	Checks             map[string]string `json:"checks"`
	Uptime             string            `json:"uptime"`
	Version            string            `json:"version,omitempty"`
	AuthMode           string            `json:"auth_mode,omitempty"`
	ServiceTokenCached bool              `json:"service_token_cached"`
	Sessions           *session.Stats    `json:"sessions,omitempty"`
}

// Register mounts the health routes on mux.
func (h *HealthChecker) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.serveHealth)
	mux.HandleFunc("GET /healthz", h.serveLiveness)
	mux.HandleFunc("GET /readyz", h.serveReadiness)
	mux.HandleFunc("GET /healthz/detailed", h.serveDetailed)
}

// readiness evaluates the ready flag and the server context state. The
// status code is 503 when any check fails.
func (h *HealthChecker) readiness() (string, int, map[string]string) {
	checks := map[string]string{"ready": probeOK, "shutdown": probeOK}
	status, code := probeOK, http.StatusOK

	if h.sc != nil && h.sc.IsShutdown() {
		checks["shutdown"] = probeShuttingDown
		status, code = probeShuttingDown, http.StatusServiceUnavailable
	}
	if !h.ready.Load() {
		checks["ready"] = probeNotReady
		status, code = probeNotReady, http.StatusServiceUnavailable
	}
	return status, code, checks
}

func (h *HealthChecker) serveHealth(w http.ResponseWriter, _ *http.Request) {
	resp := ServiceHealthResponse{
		Status:    probeHealthy,
		Timestamp: unixSeconds(h.now()),
	}
	if h.sc != nil {
		mode := h.sc.Config().AuthMode
		resp.Version = h.sc.Version()
		resp.AuthMode = string(mode)
		resp.UserAuthEnabled = mode.UserAuthEnabled()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthChecker) serveLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ProbeResponse{Status: probeOK})
}

func (h *HealthChecker) serveReadiness(w http.ResponseWriter, _ *http.Request) {
	status, code, checks := h.readiness()
	writeJSON(w, code, ProbeResponse{Status: status, Checks: checks})
}

func (h *HealthChecker) serveDetailed(w http.ResponseWriter, _ *http.Request) {
	status, code, checks := h.readiness()
	resp := DetailedHealthResponse{
		Status: status,
		Checks: checks,
		Uptime: h.now().Sub(h.started).Truncate(time.Second).String(),
	}
	if h.sc != nil {
		resp.Version = h.sc.Version()
		resp.AuthMode = string(h.sc.Config().AuthMode)
		resp.ServiceTokenCached = h.now().Before(h.sc.ServiceTokens().ExpiresAt())
		if store := h.sc.Sessions(); store != nil {
			stats := store.Stats()
			resp.Sessions = &stats
		}
	}
	writeJSON(w, code, resp)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
