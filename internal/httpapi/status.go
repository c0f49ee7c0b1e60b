package httpapi

import (
	"net/http"

	"github.com/verisite/verisite-offline/internal/evaluation"
	"github.com/verisite/verisite-offline/internal/session"
)

// statusResp is the full operator status payload: who is logged in, how the
// link looks, and how much work the sync queue still holds.
type statusResp struct {
	Session    session.State        `json:"session"`
	Connection string               `json:"connection"`
	Records    evaluation.SyncStats `json:"records"`
	Queue      queueStatus          `json:"queue"`
}

type queueStatus struct {
	Active  int  `json:"active"`
	Stalled int  `json:"stalled"`
	Syncing bool `json:"syncing"`
}

// GetStatus handles GET /v1/status
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	active, stalled := s.Engine.Stats()
	writeJSON(w, http.StatusOK, statusResp{
		Session:    s.Session.Current(),
		Connection: string(s.Probe.Last()),
		Records:    s.Evals.Stats(),
		Queue: queueStatus{
			Active:  active,
			Stalled: stalled,
			Syncing: s.Engine.InFlight(),
		},
	})
}
