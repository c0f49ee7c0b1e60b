package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/verisite/verisite-offline/internal/syncengine"
)

type syncResp struct {
	Active  int    `json:"active"`
	Stalled int    `json:"stalled"`
	Error   string `json:"error,omitempty"`
}

// TriggerSync handles POST /v1/sync. A sweep already in flight is not an
// error worth retrying, so the conflict is reported as 409 and the caller is
// expected to wait for the running one. Item-level push failures do not fail
// the request: they are recorded on the affected records and reflected in
// the returned queue depth.
func (s *Server) TriggerSync(w http.ResponseWriter, r *http.Request) {
	err := s.Engine.SyncNow(r.Context())
	if errors.Is(err, syncengine.ErrSyncInProgress) {
		writeError(w, http.StatusConflict, "sync already in progress")
		return
	}

	active, stalled := s.Engine.Stats()
	resp := syncResp{Active: active, Stalled: stalled}
	if err != nil {
		log.Warn().Err(err).Msg("manual sync sweep had failures")
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// RetryStalled handles POST /v1/sync/retry/{itemID}, putting a stalled queue
// item back into rotation with a fresh attempt budget.
func (s *Server) RetryStalled(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if !s.Queue.Retry(r.Context(), itemID) {
		writeError(w, http.StatusNotFound, "no stalled item with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}
