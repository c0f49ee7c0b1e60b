package evaluation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SourceKind discriminates the legacy local layouts that collapse into the
// unified shape. Four independent layouts existed historically; one converter
// with a kind tag keeps the canonical model single-sourced.
type SourceKind string

const (
	// SourceLocationChecklist is a per-location checklist blob (checklist_<loc>)
	SourceLocationChecklist SourceKind = "location_checklist"
	// SourceOfflineSave is an ad-hoc offline-save blob (offline_save_<ts>)
	SourceOfflineSave SourceKind = "offline_save"
	// SourceDailyChecklist is a daily checklist blob (daily_checklist_<date>)
	SourceDailyChecklist SourceKind = "daily_checklist"
	// SourceUnifiedElement is one element of the older unified array
	SourceUnifiedElement SourceKind = "unified_element"
)

// ConversionError reports a legacy record malformed beyond recovery.
// Migration collects these and continues.
type ConversionError struct {
	Kind   SourceKind
	Reason string
}

func (e ConversionError) Error() string {
	return fmt.Sprintf("cannot convert %s record: %s", e.Kind, e.Reason)
}

// ConvertLegacy translates a legacy record into the unified shape. The policy
// is lossy acceptance: legacy data integrity was inconsistent, so missing
// optional fields get sane defaults (today's date, generated time, fresh
// localId) instead of rejection. Only undecodable JSON or an unknown kind
// fails, as ConversionError.
func ConvertLegacy(raw json.RawMessage, kind SourceKind) (*UnifiedEvaluation, error) {
	switch kind {
	case SourceLocationChecklist:
		return convertLocationChecklist(raw)
	case SourceOfflineSave:
		return convertOfflineSave(raw)
	case SourceDailyChecklist:
		return convertDailyChecklist(raw)
	case SourceUnifiedElement:
		return convertUnifiedElement(raw)
	default:
		return nil, ConversionError{Kind: kind, Reason: "unknown source kind"}
	}
}

// legacy shape 1: per-location checklist blob
type legacyLocationChecklist struct {
	LocationID  string       `json:"locationId"`
	CompanyID   string       `json:"companyId"`
	EvaluatorID string       `json:"evaluatorId"`
	Date        string       `json:"date"`
	Items       []legacyItem `json:"items"`
	Checklist   []legacyItem `json:"checklist"` // some writers used this name
}

type legacyItem struct {
	Name     string       `json:"name"`
	Task     string       `json:"task"`
	Status   any          `json:"status"`
	Result   any          `json:"result"`
	Rating   any          `json:"rating"`
	Notes    string       `json:"notes"`
	Comment  string       `json:"comment"`
	SubItems []legacyItem `json:"subItems"`
}

func convertLocationChecklist(raw json.RawMessage) (*UnifiedEvaluation, error) {
	var in legacyLocationChecklist
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, ConversionError{Kind: SourceLocationChecklist, Reason: err.Error()}
	}

	ev := newDefaultEvaluation()
	ev.CompanyID = in.CompanyID
	ev.LocationID = in.LocationID
	ev.EvaluatorID = in.EvaluatorID
	applyLegacyDate(ev, in.Date, "")

	items := in.Items
	if len(items) == 0 {
		items = in.Checklist
	}
	ev.Tasks = convertItems(items)
	return ev, nil
}

// legacy shape 2: ad-hoc offline-save blob, snake_case keys
type legacyOfflineSave struct {
	LocationID  string       `json:"location_id"`
	CompanyID   string       `json:"company_id"`
	EvaluatorID string       `json:"evaluator_id"`
	SavedAt     string       `json:"saved_at"`
	Tasks       []legacyItem `json:"tasks"`
	Notes       string       `json:"notes"`
}

func convertOfflineSave(raw json.RawMessage) (*UnifiedEvaluation, error) {
	var in legacyOfflineSave
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, ConversionError{Kind: SourceOfflineSave, Reason: err.Error()}
	}

	ev := newDefaultEvaluation()
	ev.CompanyID = in.CompanyID
	ev.LocationID = in.LocationID
	ev.EvaluatorID = in.EvaluatorID
	ev.Notes = in.Notes
	if in.SavedAt != "" {
		if t, err := time.Parse(time.RFC3339, in.SavedAt); err == nil {
			ev.StampInstant(t)
		}
	}
	ev.Tasks = convertItems(in.Tasks)
	return ev, nil
}

// legacy shape 3: daily checklist blob
type legacyDailyChecklist struct {
	Date      string       `json:"date"`
	Time      string       `json:"time"`
	Location  string       `json:"location"`
	Company   string       `json:"company"`
	Evaluator string       `json:"evaluator"`
	Entries   []legacyItem `json:"entries"`
}

func convertDailyChecklist(raw json.RawMessage) (*UnifiedEvaluation, error) {
	var in legacyDailyChecklist
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, ConversionError{Kind: SourceDailyChecklist, Reason: err.Error()}
	}

	ev := newDefaultEvaluation()
	ev.CompanyID = in.Company
	ev.LocationID = in.Location
	ev.EvaluatorID = in.Evaluator
	applyLegacyDate(ev, in.Date, in.Time)
	ev.Tasks = convertItems(in.Entries)
	return ev, nil
}

// legacy shape 4: one element of the older unified array. Already close to
// canonical, but fields may be missing or stale.
func convertUnifiedElement(raw json.RawMessage) (*UnifiedEvaluation, error) {
	var in UnifiedEvaluation
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, ConversionError{Kind: SourceUnifiedElement, Reason: err.Error()}
	}

	ev := newDefaultEvaluation()
	if in.LocalID != "" {
		ev.LocalID = in.LocalID
	}
	ev.RemoteID = in.RemoteID
	ev.CompanyID = in.CompanyID
	ev.LocationID = in.LocationID
	ev.EvaluatorID = in.EvaluatorID
	ev.Notes = in.Notes
	ev.Tasks = in.Tasks
	for i := range ev.Tasks {
		ev.Tasks[i].Result = normalizeResult(string(ev.Tasks[i].Result))
		for j := range ev.Tasks[i].SubTasks {
			ev.Tasks[i].SubTasks[j].Result = normalizeResult(string(ev.Tasks[i].SubTasks[j].Result))
		}
	}
	if in.EvaluationTimestamp > 0 {
		ev.StampInstant(time.Unix(in.EvaluationTimestamp, 0))
	} else {
		applyLegacyDate(ev, in.EvaluationDate, in.EvaluationTime)
	}
	if in.SyncStatus == SyncSynced && in.RemoteID != "" {
		ev.SyncStatus = SyncSynced
	}
	return ev, nil
}

// ComputeSyncStats aggregates sync state over records. Pure, no I/O.
func ComputeSyncStats(records []UnifiedEvaluation) SyncStats {
	stats := SyncStats{Total: len(records)}
	for _, r := range records {
		switch r.SyncStatus {
		case SyncSynced:
			stats.Synced++
		case SyncError:
			stats.Error++
		default:
			stats.Pending++
		}
	}
	return stats
}

func newDefaultEvaluation() *UnifiedEvaluation {
	ev := &UnifiedEvaluation{
		LocalID:    NewLocalID(),
		SyncStatus: SyncPending,
	}
	ev.StampInstant(time.Now())
	return ev
}

// applyLegacyDate re-stamps the evaluation from a legacy date and optional
// time string. Unparseable values keep the generated defaults.
func applyLegacyDate(ev *UnifiedEvaluation, date, clock string) {
	if date == "" {
		return
	}
	layout := "2006-01-02"
	value := date
	if clock != "" {
		layout = "2006-01-02 15:04:05"
		value = date + " " + clock
	}
	if t, err := time.Parse(layout, value); err == nil {
		ev.StampInstant(t)
	}
}

func convertItems(items []legacyItem) []Task {
	tasks := make([]Task, 0, len(items))
	for _, it := range items {
		name := it.Name
		if name == "" {
			name = it.Task
		}
		notes := it.Notes
		if notes == "" {
			notes = it.Comment
		}
		task := Task{
			Name:   name,
			Result: normalizeResult(firstResult(it.Result, it.Status, it.Rating)),
			Notes:  notes,
		}
		for _, sub := range it.SubItems {
			subName := sub.Name
			if subName == "" {
				subName = sub.Task
			}
			subNotes := sub.Notes
			if subNotes == "" {
				subNotes = sub.Comment
			}
			task.SubTasks = append(task.SubTasks, SubTask{
				Name:   subName,
				Result: normalizeResult(firstResult(sub.Result, sub.Status, sub.Rating)),
				Notes:  subNotes,
			})
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func firstResult(candidates ...any) any {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

// normalizeResult maps the zoo of legacy rating values onto the canonical
// enum. Unknown values default to needs_improvement so they surface in review.
func normalizeResult(v any) Result {
	switch val := v.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "excellent", "great", "3":
			return ResultExcellent
		case "good", "ok", "pass", "2":
			return ResultGood
		case "needs_improvement", "poor", "bad", "fail", "1", "0":
			return ResultNeedsImprovement
		case "":
			return ResultNeedsImprovement
		}
	case float64:
		// JSON numbers decode as float64
		switch {
		case val >= 3:
			return ResultExcellent
		case val >= 2:
			return ResultGood
		}
		return ResultNeedsImprovement
	case Result:
		return normalizeResult(string(val))
	}
	return ResultNeedsImprovement
}
