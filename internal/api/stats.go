package api

import (
	"net/http"

	"github.com/seantiz/hearth/internal/tracking"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total       int              `json:"total"`
	ByStatus    map[string]int   `json:"by_status"`
	OutputLines int              `json:"output_lines"`
	Loaded      int              `json:"loaded"`
	Computers   []tracking.Entry `json:"computers"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetMachineStats(r.Context())
	if err != nil {
		s.logger.Error("get machine stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	computers := []tracking.Entry{}
	if s.stats != nil {
		computers = s.stats.Snapshot()
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:       stats.Total,
		ByStatus:    stats.CountByStatus,
		OutputLines: stats.OutputLines,
		Loaded:      s.engine.Loaded(),
		Computers:   computers,
	})
}
