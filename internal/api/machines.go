package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/hearth/internal/engine"
	"github.com/seantiz/hearth/internal/luavm"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/scheduler"
	"github.com/seantiz/hearth/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
	maxLabelLength   = 32
)

// createMachineRequest is the JSON body for POST /v1/machines.
type createMachineRequest struct {
	Label   string `json:"label"`
	Program string `json:"program"`
	Boot    bool   `json:"boot"`
}

// listMachinesResponse wraps the paginated list response.
type listMachinesResponse struct {
	Machines []*model.Machine `json:"machines"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Server) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if strings.TrimSpace(req.Program) == "" {
		s.writeError(w, http.StatusBadRequest, "program is required")
		return
	}
	if len(req.Label) > maxLabelLength {
		s.writeError(w, http.StatusBadRequest, "label is too long")
		return
	}

	m, err := s.engine.Create(r.Context(), req.Label, req.Program, req.Boot)
	var ce *luavm.CompileError
	switch {
	case m != nil && (err == nil || errors.As(err, &ce)):
		// A program that fails to compile still creates an errored machine.
		s.writeJSON(w, http.StatusCreated, m)
	case m != nil:
		s.logger.Error("boot new machine", "computer_id", m.ID, "error", err)
		s.writeEngineError(w, err)
	default:
		s.logger.Error("create machine", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create machine")
	}
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m, err := s.store.GetMachine(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	if err != nil {
		s.logger.Error("get machine", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get machine")
		return
	}

	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	machines, total, err := s.store.ListMachines(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list machines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list machines")
		return
	}

	if machines == nil {
		machines = []*model.Machine{}
	}

	s.writeJSON(w, http.StatusOK, listMachinesResponse{
		Machines: machines,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Delete(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeEngineError maps engine and scheduler errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ce *luavm.CompileError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "machine not found")
	case errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrNotPaused),
		errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &ce):
		s.writeError(w, http.StatusUnprocessableEntity, ce.Message)
	case errors.Is(err, engine.ErrClosed), errors.Is(err, scheduler.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("machine operation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "machine operation failed")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
