package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/store"
)

// handleStreamOutput streams console output as SSE. Each event carries the
// line's sequence number as its id; a reconnecting client that sends
// Last-Event-ID (or ?after=) first gets the stored lines it missed. The stream
// stays open across reboots and ends when the client leaves or the machine is
// deleted.
func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	after, err := resumeSeq(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err = s.store.GetMachine(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	if err != nil {
		s.logger.Error("get machine for output", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get machine")
		return
	}

	// Subscribe before reading history so no line falls between the two.
	sub := s.engine.Broker().Subscribe(id)
	defer sub.Cancel()

	var backlog []model.OutputLine
	if after != nil {
		backlog, err = s.store.GetOutputLinesAfter(r.Context(), id, *after)
		if err != nil {
			s.logger.Error("get output lines for resume", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get output")
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}
	flush()

	last := -1
	if after != nil {
		last = *after
	}
	for _, l := range backlog {
		if err := writeSSELine(w, l); err != nil {
			return
		}
		last = l.Seq
	}
	flush()

	for {
		select {
		case l, ok := <-sub.C:
			if !ok {
				_ = writeSSEEvent(w, "done", "machine deleted")
				flush()
				return
			}
			if l.Seq <= last {
				continue
			}
			if err := writeSSELine(w, l); err != nil {
				return
			}
			last = l.Seq
			flush()
		case <-r.Context().Done():
			if n := sub.Dropped(); n > 0 {
				s.logger.Info("output stream fell behind", "machine_id", id, "dropped", n)
			}
			return
		}
	}
}

// resumeSeq returns the sequence number a client has already seen, if it
// sent one.
func resumeSeq(r *http.Request) (*int, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < -1 {
		return nil, fmt.Errorf("invalid resume position %q", raw)
	}
	return &n, nil
}

// outputHistoryLine is a single line in the history response.
type outputHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// outputHistoryResponse is the JSON response for GET /v1/machines/{id}/output/history.
type outputHistoryResponse struct {
	MachineID string              `json:"machine_id"`
	Lines     []outputHistoryLine `json:"lines"`
}

func (s *Server) handleGetOutputHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetMachine(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	if err != nil {
		s.logger.Error("get machine for output history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get machine")
		return
	}

	stored, err := s.store.GetOutputLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get output lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get output")
		return
	}

	lines := make([]outputHistoryLine, len(stored))
	for i, l := range stored {
		lines[i] = outputHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, outputHistoryResponse{
		MachineID: id,
		Lines:     lines,
	})
}

// writeSSELine writes one console line as an SSE event with its sequence
// number as the event id.
func writeSSELine(w http.ResponseWriter, l model.OutputLine) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", l.Seq); err != nil {
		return err
	}
	return writeSSEData(w, l.Line)
}

// writeSSEData writes a line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
