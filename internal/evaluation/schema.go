package evaluation

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus tracks where a record stands against the remote authority.
// Transitions are pending → synced, or pending → error → pending on retry.
// synced is terminal except for external data repair.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

// Result is the per-item checklist outcome
type Result string

const (
	ResultExcellent        Result = "excellent"
	ResultGood             Result = "good"
	ResultNeedsImprovement Result = "needs_improvement"
)

// SubTask is an optional nested checklist item
type SubTask struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Result Result `json:"result,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// Task is one checklist entry of an evaluation
type Task struct {
	ID       string    `json:"id,omitempty"`
	Name     string    `json:"name"`
	Result   Result    `json:"result,omitempty"`
	Notes    string    `json:"notes,omitempty"`
	SubTasks []SubTask `json:"subTasks,omitempty"`
}

// UnifiedEvaluation is the canonical inspection record. All legacy local
// layouts collapse into this shape via ConvertLegacy.
type UnifiedEvaluation struct {
	// Identity. LocalID is client-generated and immutable; RemoteID is
	// assigned exactly once, when the remote acknowledges the record.
	LocalID  string `json:"localId"`
	RemoteID string `json:"remoteId,omitempty"`

	// Scope
	CompanyID   string `json:"companyId,omitempty"`
	LocationID  string `json:"locationId,omitempty"`
	EvaluatorID string `json:"evaluatorId,omitempty"`

	// Temporal. All four fields derive from one instant and stay consistent.
	EvaluationDate      string `json:"evaluationDate"`      // 2006-01-02
	EvaluationTime      string `json:"evaluationTime"`      // 15:04:05
	EvaluationDateTime  string `json:"evaluationDateTime"`  // RFC3339
	EvaluationTimestamp int64  `json:"evaluationTimestamp"` // epoch seconds

	// Payload
	Tasks []Task `json:"tasks"`
	Notes string `json:"notes,omitempty"`

	// Sync state. Written back by the sync engine through Service.Update;
	// the engine never mutates payload fields.
	SyncStatus      SyncStatus `json:"syncStatus"`
	SyncAttempts    int        `json:"syncAttempts"`
	LastSyncAttempt *time.Time `json:"lastSyncAttempt,omitempty"`
	SyncTimestamp   *time.Time `json:"syncTimestamp,omitempty"`
	SyncErrorMsg    string     `json:"syncError,omitempty"`

	// Bookkeeping
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SyncStats aggregates sync state over a record set
type SyncStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Error   int `json:"error"`
}

// NewLocalID generates a client-side record id
func NewLocalID() string {
	return uuid.New().String()
}

// StampInstant derives the four temporal fields from a single instant,
// keeping them mutually consistent.
func (e *UnifiedEvaluation) StampInstant(t time.Time) {
	t = t.UTC()
	e.EvaluationDate = t.Format("2006-01-02")
	e.EvaluationTime = t.Format("15:04:05")
	e.EvaluationDateTime = t.Format(time.RFC3339)
	e.EvaluationTimestamp = t.Unix()
}

// RemotePayload returns the wire shape for a push. Client-side provenance
// markers, sync-state fields and storage bookkeeping are stripped: the remote
// schema must never see them. The localId travels only as the idempotency key.
func RemotePayload(e UnifiedEvaluation) map[string]any {
	payload := map[string]any{
		"companyId":           e.CompanyID,
		"locationId":          e.LocationID,
		"evaluatorId":         e.EvaluatorID,
		"evaluationDate":      e.EvaluationDate,
		"evaluationTime":      e.EvaluationTime,
		"evaluationDateTime":  e.EvaluationDateTime,
		"evaluationTimestamp": e.EvaluationTimestamp,
		"tasks":               e.Tasks,
	}
	if e.Notes != "" {
		payload["notes"] = e.Notes
	}
	return payload
}
