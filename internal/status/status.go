// ABOUTME: Read-only introspection over the session registry.
// ABOUTME: Serves GET /status and backs the resources/read protocol surface.

package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// ConnectionCounter is the narrow registry view the reporter depends on.
type ConnectionCounter interface {
	Len() int
}

// Snapshot is a point-in-time view of gateway health.
type Snapshot struct {
	ActiveConnections int    `json:"active_connections"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	Version           string `json:"version"`
}

// Reporter computes snapshots from live registry state. It never mutates
// registry or grant state.
type Reporter struct {
	registry  ConnectionCounter
	version   string
	startedAt time.Time
	logger    *slog.Logger
}

// NewReporter creates a reporter; uptime is measured from this call.
func NewReporter(registry ConnectionCounter, version string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		registry:  registry,
		version:   version,
		startedAt: time.Now(),
		logger:    logger.With("component", "status"),
	}
}

// Snapshot returns the current gateway status.
func (r *Reporter) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnections: r.registry.Len(),
		UptimeSeconds:     int64(time.Since(r.startedAt).Seconds()),
		Version:           r.version,
	}
}

// ServeHTTP handles GET /status.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.Snapshot()); err != nil {
		r.logger.Warn("failed to encode status response", "error", err)
	}
}
