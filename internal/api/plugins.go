package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleCatalog lists every connectable plugin, built-in and discovered.
func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	entries := s.workspace.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"plugins": entries,
		"count":   len(entries),
	})
}

// handleCapabilities lists one plugin's capabilities. The entry's host is
// spawned on demand, so this doubles as a warm-up call for the shell's
// connect dialog.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	entry := chi.URLParam(r, "entry")

	caps, err := s.workspace.Capabilities(r.Context(), entry)
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entry":        entry,
		"capabilities": caps,
	})
}
