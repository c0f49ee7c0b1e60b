package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/verisite/verisite-offline/internal/evaluation"
	"github.com/verisite/verisite-offline/internal/syncengine"
)

type createEvaluationReq struct {
	CompanyID   string            `json:"companyId"`
	LocationID  string            `json:"locationId"`
	EvaluatorID string            `json:"evaluatorId"`
	Tasks       []evaluation.Task `json:"tasks"`
	Notes       string            `json:"notes,omitempty"`
	// Urgent requests are pushed out of band instead of waiting for the
	// next periodic sweep.
	Urgent bool `json:"urgent,omitempty"`
}

type listResp struct {
	Items []evaluation.UnifiedEvaluation `json:"items"`
	Stats evaluation.SyncStats           `json:"stats"`
}

// CreateEvaluation handles POST /v1/evaluations: the save is local-first and
// returns immediately; upload happens asynchronously through the queue.
func (s *Server) CreateEvaluation(w http.ResponseWriter, r *http.Request) {
	var req createEvaluationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev, err := s.Evals.SaveNew(r.Context(), evaluation.UnifiedEvaluation{
		CompanyID:   req.CompanyID,
		LocationID:  req.LocationID,
		EvaluatorID: req.EvaluatorID,
		Tasks:       req.Tasks,
		Notes:       req.Notes,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	priority := syncengine.PriorityMedium
	if req.Urgent {
		priority = syncengine.PriorityHigh
	}
	if _, err := s.Engine.EnqueueEvaluation(r.Context(), ev.LocalID, syncengine.ActionCreate, priority); err != nil {
		// The record is saved either way; the next sweep will not see it
		// without a queue item, so surface the problem.
		log.Error().Err(err).Str("localId", ev.LocalID).Msg("enqueue after save failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, ev)
}

// ListEvaluations handles GET /v1/evaluations with optional filters
func (s *Server) ListEvaluations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items := s.Evals.Search(evaluation.Filter{
		LocationID:  q.Get("locationId"),
		EvaluatorID: q.Get("evaluatorId"),
		DateFrom:    q.Get("from"),
		DateTo:      q.Get("to"),
		SyncStatus:  evaluation.SyncStatus(q.Get("syncStatus")),
	})
	writeJSON(w, http.StatusOK, listResp{
		Items: items,
		Stats: evaluation.ComputeSyncStats(items),
	})
}

// GetEvaluation handles GET /v1/evaluations/{localID}
func (s *Server) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.Evals.Get(chi.URLParam(r, "localID"))
	if !ok {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// DeleteEvaluation handles DELETE /v1/evaluations/{localID}
func (s *Server) DeleteEvaluation(w http.ResponseWriter, r *http.Request) {
	ok, err := s.Evals.Delete(r.Context(), chi.URLParam(r, "localID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "evaluation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
