// Package health exposes the relay's liveness and readiness status over
// HTTP, independent of whether the relay's WebTransport listener is up.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// reportedVersion is the relay release this health package reports
// (distinct from internal/version, which tracks the build's own commit).
const reportedVersion = "v0.1.0"

// Status is the JSON body served at the health endpoint.
type Status struct {
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	Uptime            string    `json:"uptime"`
	ActiveConnections int32     `json:"active_connections"`
	UpstreamConnected bool      `json:"upstream_connected"`
	Version           string    `json:"version"`
}

// StatusHandler tracks connection counts and upstream reachability so an
// http.Handler can report them without touching the relay's internals.
type StatusHandler struct {
	startTime         time.Time
	activeConnections atomic.Int32
	upstreamConnected atomic.Bool
	upstreamRequired  atomic.Bool
}

// NewStatusHandler starts the uptime clock and returns a handler with
// upstream reporting disabled until SetUpstreamRequired is called.
func NewStatusHandler() *StatusHandler {
	return &StatusHandler{startTime: time.Now()}
}

// SetUpstreamRequired marks whether an upstream connection is necessary for
// readiness; a relay with no configured upstream should leave this false.
func (h *StatusHandler) SetUpstreamRequired(required bool) {
	h.upstreamRequired.Store(required)
}

// SetUpstreamConnected records the current upstream connection state.
func (h *StatusHandler) SetUpstreamConnected(connected bool) {
	h.upstreamConnected.Store(connected)
}

// IncrementConnections records a newly accepted session.
func (h *StatusHandler) IncrementConnections() {
	if h == nil {
		return
	}
	h.activeConnections.Add(1)
}

// DecrementConnections records a session ending.
func (h *StatusHandler) DecrementConnections() {
	if h == nil {
		return
	}
	h.activeConnections.Add(-1)
}

// GetStatus computes the current status. "unhealthy" means the connection
// count has gone negative; "degraded" means an upstream is required but not
// currently connected; everything else is "healthy".
func (h *StatusHandler) GetStatus() Status {
	if h == nil {
		return Status{Version: reportedVersion}
	}

	active := h.activeConnections.Load()
	upstream := h.upstreamConnected.Load()

	status := "healthy"
	if active < 0 {
		status = "unhealthy"
	} else if h.upstreamRequired.Load() && !upstream {
		status = "degraded"
	}

	return Status{
		Status:            status,
		Timestamp:         time.Now(),
		Uptime:            time.Since(h.startTime).String(),
		ActiveConnections: active,
		UpstreamConnected: upstream,
		Version:           reportedVersion,
	}
}

// ServeHTTP writes the current status as JSON, with 503 reserved for the
// unhealthy case (degraded is still 200: the relay is serving traffic).
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := h.GetStatus()

	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}
	json.NewEncoder(w).Encode(status)
}
