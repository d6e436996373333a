package api

import "net/http"

func (s *Server) handleListAPIs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.APIs().List())
}
