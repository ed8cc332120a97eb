package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tmelliott/fieldsync/internal/store"
)

// handleGetJobLogs returns a job's worker output as plain text. While the
// worker runs, logs come live from the backend; afterwards the recorded
// feedback is served.
func (s *Server) handleGetJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	logs, running, err := s.controller.Logs(r.Context(), id)
	if err != nil {
		s.logger.Error("fetch live logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch logs")
		return
	}
	if !running {
		logs = job.Feedback
	}
	if len(logs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(logs); err != nil {
		s.logger.Error("write logs response", "error", err)
	}
}
