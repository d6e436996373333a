package api

import (
	"net/http"
)

type healthResponse struct {
	Status    string `json:"status"`
	Computers int    `json:"computers"`
}

// handleHealthz reports 503 once the engine has closed or lost its workers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Computers: s.engine.Loaded()}
	code := http.StatusOK
	if !s.engine.Healthy() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}
