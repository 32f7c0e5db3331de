package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/tracewire/tracewire-core/internal/framestore"
	"github.com/tracewire/tracewire-core/internal/ingest"
)

// WorkspaceStats is the response body for GET /stats.
type WorkspaceStats struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeStats      `json:"runtime"`
	Ingest        ingest.Stats      `json:"ingest"`
	Frames        framestore.Totals `json:"frames"`
	Sessions      int               `json:"sessions"`
	Hosts         int               `json:"hosts"`
	WebSocket     WSStats           `json:"websocket"`
	BusDropped    uint64            `json:"bus_dropped"`
}

// RuntimeStats contains Go runtime statistics.
type RuntimeStats struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSStats contains WebSocket hub statistics.
type WSStats struct {
	ConnectedClients int `json:"connected_clients"`
}

// handleStats returns a point-in-time snapshot of workspace counters.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := WorkspaceStats{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Sessions: len(s.workspace.Sessions()),
		Hosts:    len(s.workspace.Hosts()),
	}

	if s.ingest != nil {
		stats.Ingest = s.ingest.Stats()
	}
	if s.frames != nil {
		stats.Frames = s.frames.Totals()
	}
	if s.hub != nil {
		stats.WebSocket = WSStats{ConnectedClients: s.hub.ClientCount()}
	}
	if s.bus != nil {
		stats.BusDropped = s.bus.Dropped()
	}

	writeJSON(w, http.StatusOK, stats)
}

// NotifyRequest is the request body for POST /notify.
type NotifyRequest struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// handleNotify fans a shell notification (theme change, settings change,
// workspace closing) out to every running plugin host.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Kind == "" {
		writeBadRequest(w, "kind is required")
		return
	}

	if err := s.workspace.Notify(r.Context(), req.Kind, req.Data); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"kind":   req.Kind,
		"status": "delivered",
	})
}
