package api

import "net/http"

// handleListHosts reports every running plugin host process with its
// restart counters and, when occupied, the session in its slot.
func (s *Server) handleListHosts(w http.ResponseWriter, _ *http.Request) {
	hosts := s.workspace.Hosts()
	writeJSON(w, http.StatusOK, map[string]any{
		"hosts": hosts,
		"count": len(hosts),
	})
}
