package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleTerminal upgrades GET /vms/{id}/terminal to a WebSocket and runs
// the serial-console session (C7, §4.7). Acquire runs before the upgrade
// so a rejected preflight (missing VM, not running, already connected)
// can still return a plain HTTP status instead of a WS close code.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	release, err := s.terminal.Acquire(r.Context(), id)
	if err != nil {
		s.writeEmberError(w, "acquire terminal", err)
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade terminal connection", "vm", id, "error", err)
		return
	}
	defer conn.Close()

	if err := s.terminal.Serve(r.Context(), conn, id); err != nil {
		s.logger.Warn("terminal session ended with error", "vm", id, "error", err)
	}
}
