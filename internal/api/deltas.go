package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tmelliott/fieldsync/internal/deltafile"
	"github.com/tmelliott/fieldsync/internal/model"
	"github.com/tmelliott/fieldsync/internal/store"
)

// submitDeltafileResponse is the JSON response for POST /v1/deltas: the
// queued apply job plus the ids of the stored delta rows, in file order.
type submitDeltafileResponse struct {
	Job      *model.Job `json:"job"`
	DeltaIDs []string   `json:"delta_ids"`
}

// listDeltasResponse wraps the paginated delta list.
type listDeltasResponse struct {
	Deltas []*model.Delta `json:"deltas"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// handleSubmitDeltafile accepts a deltafile document, stores one delta row
// per delta and queues a single apply job covering all of them.
func (s *Server) handleSubmitDeltafile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	file, err := deltafile.Parse(r.Body)
	if err != nil {
		var verr *deltafile.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid deltafile")
		return
	}

	now := time.Now().UTC()
	createdBy := r.Header.Get("X-Client-Id")

	deltaIDs := make([]string, 0, len(file.Deltas))
	for i := range file.Deltas {
		content, err := json.Marshal(&file.Deltas[i])
		if err != nil {
			s.logger.Error("encode delta", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to store deltas")
			return
		}
		d := &model.Delta{
			ID:          model.NewID(),
			DeltafileID: file.ID,
			ProjectID:   file.ProjectID,
			Content:     content,
			LastStatus:  model.DeltaStatusPending,
			CreatedBy:   createdBy,
			CreatedAt:   now,
		}
		if err := s.store.CreateDelta(r.Context(), d); err != nil {
			s.logger.Error("create delta", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to store deltas")
			return
		}
		deltaIDs = append(deltaIDs, d.ID)
	}

	job := &model.Job{
		ID:                 model.NewID(),
		Type:               model.JobTypeApplyDelta,
		ProjectID:          file.ProjectID,
		Status:             model.JobStatusQueued,
		DeltafileID:        file.ID,
		OverwriteConflicts: r.URL.Query().Get("overwrite_conflicts") == "true",
		CreatedBy:          createdBy,
		CreatedAt:          now,
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create apply job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to queue apply job")
		return
	}

	s.writeJSON(w, http.StatusCreated, submitDeltafileResponse{
		Job:      job,
		DeltaIDs: deltaIDs,
	})
}

func (s *Server) handleGetDelta(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.store.GetDelta(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "delta not found")
		return
	}
	if err != nil {
		s.logger.Error("get delta", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get delta")
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListDeltas(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		s.writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	deltas, total, err := s.store.ListDeltas(r.Context(), projectID, limit, offset)
	if err != nil {
		s.logger.Error("list deltas", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list deltas")
		return
	}

	if deltas == nil {
		deltas = []*model.Delta{}
	}

	s.writeJSON(w, http.StatusOK, listDeltasResponse{
		Deltas: deltas,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
