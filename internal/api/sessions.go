package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tracewire/tracewire-core/internal/hostproto"
	"github.com/tracewire/tracewire-core/internal/workspace"
)

// defaultFrameLimit caps a frames query that does not name its own limit.
const defaultFrameLimit = 100

// FrameView is one frame as served over the REST API. Payload is
// base64-encoded by the JSON encoder.
type FrameView struct {
	ID        uint64    `json:"id"`
	Direction string    `json:"direction"`
	At        time.Time `json:"at"`
	Size      int       `json:"size"`
	Payload   []byte    `json:"payload"`
}

// SessionFramesResponse is the response body for GET /sessions/{id}/frames.
type SessionFramesResponse struct {
	SessionID string      `json:"session_id"`
	Frames    []FrameView `json:"frames"`
	Total     uint64      `json:"total_frames"`
	Bytes     uint64      `json:"total_bytes"`
}

// handleListSessions returns every live session.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.workspace.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleConnect establishes a new session against one plugin capability.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req workspace.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Entry == "" || req.CapabilityID == "" {
		writeBadRequest(w, "entry and capability_id are required")
		return
	}

	info, err := s.workspace.Connect(r.Context(), req)
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

// handleGetSession returns one session by id.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.workspace.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDisconnect ends a session.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := s.workspace.Disconnect(r.Context(), sessionID); err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"status":     "disconnected",
	})
}

// handleSessionFrames returns the most recent frames captured for a
// session. History survives disconnect until the store evicts it, so the
// shell can render the tail of a closed session.
func (s *Server) handleSessionFrames(w http.ResponseWriter, r *http.Request) {
	if s.frames == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "frame store not configured")
		return
	}

	sessionID := chi.URLParam(r, "id")
	stats, ok := s.frames.SessionStats(sessionID)
	if !ok {
		writeNotFound(w, "no frames recorded for session "+sessionID)
		return
	}

	limit := defaultFrameLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records := s.frames.Recent(sessionID, limit)
	views := make([]FrameView, 0, len(records))
	for _, rec := range records {
		views = append(views, FrameView{
			ID:        rec.ID,
			Direction: rec.Direction.String(),
			At:        rec.Timestamp,
			Size:      len(rec.Payload),
			Payload:   rec.Payload,
		})
	}

	writeJSON(w, http.StatusOK, SessionFramesResponse{
		SessionID: sessionID,
		Frames:    views,
		Total:     stats.Frames,
		Bytes:     stats.Bytes,
	})
}

// handleUiState fetches a rendered view snapshot from the session's plugin.
func (s *Server) handleUiState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	viewID := r.URL.Query().Get("view")

	state, err := s.workspace.UiState(r.Context(), sessionID, viewID)
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"view_id":    viewID,
		"state":      state,
	})
}

// writeWorkspaceError maps manager errors onto HTTP statuses.
func (s *Server) writeWorkspaceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrUnknownEntry),
		errors.Is(err, workspace.ErrUnknownCapability),
		errors.Is(err, workspace.ErrSessionNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, workspace.ErrSessionBusy):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, workspace.ErrHostUnavailable):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, hostproto.ErrInvalidParams):
		writeBadRequest(w, err.Error())
	default:
		s.logger.Error("workspace operation failed", "error", err)
		writeInternalError(w, err.Error())
	}
}
