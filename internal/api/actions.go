package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// queueEventRequest is the JSON body for POST /v1/machines/{id}/events.
type queueEventRequest struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

type queueEventResponse struct {
	MachineID string `json:"machine_id"`
	Name      string `json:"name"`
	Queued    bool   `json:"queued"`
}

// lifecycleHandler runs a power action and answers with the updated record.
func (s *Server) lifecycleHandler(action func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := action(r.Context(), id); err != nil {
			s.writeEngineError(w, err)
			return
		}

		m, err := s.store.GetMachine(r.Context(), id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, m)
	}
}

func (s *Server) handleQueueEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req queueEventRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.engine.QueueEvent(r.Context(), id, req.Name, req.Args); err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, queueEventResponse{
		MachineID: id,
		Name:      req.Name,
		Queued:    true,
	})
}
