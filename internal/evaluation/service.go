package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/verisite/verisite-offline/internal/store"
)

const (
	recordKeyPrefix = "evaluation_"

	// legacy key prefixes swept by MigrateLegacy
	legacyChecklistPrefix = "checklist_"
	legacyOfflinePrefix   = "offline_save_"
	legacyDailyPrefix     = "daily_checklist_"
	legacyUnifiedKey      = "unified_evaluations"
)

// Service is the local evaluation service: CRUD, search, migration and
// aggregate stats over unified records. It is the only writer of evaluations;
// the sync engine writes back sync-state fields through Update and never
// touches payload.
type Service struct {
	mu      sync.RWMutex
	store   *store.Store
	records map[string]*UnifiedEvaluation

	// derived indexes, rebuilt from the full set on every structural
	// mutation. Bounded to one device's history, so the rebuild is cheap.
	byDate      map[string][]string
	byLocation  map[string][]string
	byEvaluator map[string][]string
	byStatus    map[SyncStatus][]string

	now func() time.Time
}

// Partial carries the fields an Update may merge. Pointer fields distinguish
// "leave alone" from "set to zero value".
type Partial struct {
	// payload
	CompanyID   *string
	LocationID  *string
	EvaluatorID *string
	Tasks       *[]Task
	Notes       *string

	// sync state write-back
	RemoteID        *string
	SyncStatus      *SyncStatus
	SyncAttempts    *int
	LastSyncAttempt *time.Time
	SyncTimestamp   *time.Time
	SyncErrorMsg    *string
}

// Filter selects evaluations in Search. Omitted fields pass everything;
// set fields are ANDed.
type Filter struct {
	LocationID  string
	EvaluatorID string
	DateFrom    string // 2006-01-02, inclusive
	DateTo      string // 2006-01-02, inclusive
	SyncStatus  SyncStatus
}

// MigrationError records one legacy record that could not be converted
type MigrationError struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// MigrationReport summarizes a MigrateLegacy run
type MigrationReport struct {
	Migrated int              `json:"migrated"`
	Errors   []MigrationError `json:"errors"`
}

// NewService creates a service over the given record store. Call Load before
// serving reads.
func NewService(st *store.Store) *Service {
	return &Service{
		store:   st,
		records: make(map[string]*UnifiedEvaluation),
		now:     time.Now,
	}
}

// Load reads the canonical evaluation set from the store and builds indexes.
func (s *Service) Load(ctx context.Context) error {
	recs, err := s.store.ListByCategory(ctx, store.CategoryData)
	if err != nil {
		return fmt.Errorf("load evaluations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*UnifiedEvaluation)
	for _, rec := range recs {
		if !strings.HasPrefix(rec.ID, recordKeyPrefix) {
			continue
		}
		var ev UnifiedEvaluation
		if err := json.Unmarshal(rec.Value, &ev); err != nil {
			log.Warn().Str("key", rec.ID).Err(err).Msg("skipping undecodable evaluation record")
			continue
		}
		s.records[ev.LocalID] = &ev
	}
	s.rebuildIndexesLocked()

	log.Info().Int("count", len(s.records)).Msg("evaluations loaded")
	return nil
}

// SaveNew assigns identity and bookkeeping to a fresh evaluation, persists it
// and returns the stored value. Temporal fields already stamped by the caller
// (or a converter) are kept; otherwise they derive from now.
func (s *Service) SaveNew(ctx context.Context, ev UnifiedEvaluation) (*UnifiedEvaluation, error) {
	now := s.now().UTC()

	if ev.LocalID == "" {
		ev.LocalID = NewLocalID()
	}
	if ev.EvaluationTimestamp == 0 {
		ev.StampInstant(now)
	}
	if ev.SyncStatus == "" {
		ev.SyncStatus = SyncPending
	}
	ev.CreatedAt = now
	ev.UpdatedAt = now

	s.mu.Lock()
	if err := s.persist(ctx, &ev); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	stored := ev
	s.records[ev.LocalID] = &stored
	s.rebuildIndexesLocked()
	s.mu.Unlock()

	log.Debug().
		Str("localId", ev.LocalID).
		Str("locationId", ev.LocationID).
		Msg("evaluation saved")
	return &stored, nil
}

// Update merges the set fields of p into the record, bumps updatedAt and
// persists. Returns false when localID is unknown. updatedAt is strictly
// increasing across successful updates even if the wall clock stalls.
func (s *Service) Update(ctx context.Context, localID string, p Partial) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[localID]
	if !ok {
		return false, nil
	}
	updated := *existing
	applyPartial(&updated, p)

	now := s.now().UTC()
	if !now.After(updated.UpdatedAt) {
		now = updated.UpdatedAt.Add(time.Millisecond)
	}
	updated.UpdatedAt = now

	// The lock stays held across the persist. Two concurrent updates of one
	// record (sync write-back racing a payload edit) must merge sequentially;
	// merging from the same base would silently drop the earlier fields.
	if err := s.persist(ctx, &updated); err != nil {
		return false, err
	}

	s.records[localID] = &updated
	s.rebuildIndexesLocked()
	return true, nil
}

// Delete removes the record. Returns false when localID is unknown.
func (s *Service) Delete(ctx context.Context, localID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[localID]; !ok {
		return false, nil
	}
	if err := s.store.Delete(ctx, recordKeyPrefix+localID); err != nil {
		return false, err
	}

	delete(s.records, localID)
	s.rebuildIndexesLocked()
	return true, nil
}

// Get returns a copy of the record with the given local id.
func (s *Service) Get(localID string) (UnifiedEvaluation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ev, ok := s.records[localID]; ok {
		return *ev, true
	}
	return UnifiedEvaluation{}, false
}

// Search filters the loaded set in memory. All set filters are ANDed;
// results are ordered by evaluation timestamp, then local id.
func (s *Service) Search(f Filter) []UnifiedEvaluation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []UnifiedEvaluation
	for _, ev := range s.records {
		if f.LocationID != "" && ev.LocationID != f.LocationID {
			continue
		}
		if f.EvaluatorID != "" && ev.EvaluatorID != f.EvaluatorID {
			continue
		}
		if f.SyncStatus != "" && ev.SyncStatus != f.SyncStatus {
			continue
		}
		if f.DateFrom != "" && ev.EvaluationDate < f.DateFrom {
			continue
		}
		if f.DateTo != "" && ev.EvaluationDate > f.DateTo {
			continue
		}
		out = append(out, *ev)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].EvaluationTimestamp != out[j].EvaluationTimestamp {
			return out[i].EvaluationTimestamp < out[j].EvaluationTimestamp
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out
}

// Pending returns the records awaiting a push, in evaluation order.
func (s *Service) Pending() []UnifiedEvaluation {
	return s.Search(Filter{SyncStatus: SyncPending})
}

// Stats aggregates sync state over the loaded set.
func (s *Service) Stats() SyncStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]UnifiedEvaluation, 0, len(s.records))
	for _, ev := range s.records {
		all = append(all, *ev)
	}
	return ComputeSyncStats(all)
}

// MigrateLegacy sweeps the store for legacy-era keys, converts each blob and
// saves the result. The run is maximally resilient: a record that fails to
// convert is recorded in the report and the batch continues, since migration
// runs once, unattended, against unknown historical data. Successfully
// migrated keys are removed from the store.
func (s *Service) MigrateLegacy(ctx context.Context) (MigrationReport, error) {
	keys, err := s.store.ListKeys(ctx)
	if err != nil {
		return MigrationReport{}, fmt.Errorf("enumerate store keys: %w", err)
	}

	var report MigrationReport
	for _, key := range keys {
		kind, ok := legacyKind(key)
		if !ok {
			continue
		}

		raw, found, err := s.store.GetRaw(ctx, key)
		if err != nil || !found {
			if err != nil {
				report.Errors = append(report.Errors, MigrationError{Key: key, Reason: err.Error()})
			}
			continue
		}

		if key == legacyUnifiedKey {
			s.migrateUnifiedArray(ctx, key, raw, &report)
		} else {
			s.migrateSingle(ctx, key, raw, kind, &report)
		}
	}

	log.Info().
		Int("migrated", report.Migrated).
		Int("errors", len(report.Errors)).
		Msg("legacy migration finished")
	return report, nil
}

func (s *Service) migrateSingle(ctx context.Context, key string, raw json.RawMessage, kind SourceKind, report *MigrationReport) {
	ev, err := ConvertLegacy(raw, kind)
	if err != nil {
		report.Errors = append(report.Errors, MigrationError{Key: key, Reason: err.Error()})
		return
	}
	if _, err := s.SaveNew(ctx, *ev); err != nil {
		report.Errors = append(report.Errors, MigrationError{Key: key, Reason: err.Error()})
		return
	}
	report.Migrated++
	if err := s.store.Delete(ctx, key); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("migrated legacy key could not be removed")
	}
}

func (s *Service) migrateUnifiedArray(ctx context.Context, key string, raw json.RawMessage, report *MigrationReport) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		report.Errors = append(report.Errors, MigrationError{Key: key, Reason: err.Error()})
		return
	}

	var remaining []json.RawMessage
	for i, el := range elements {
		ev, err := ConvertLegacy(el, SourceUnifiedElement)
		if err != nil {
			report.Errors = append(report.Errors, MigrationError{
				Key:    fmt.Sprintf("%s[%d]", key, i),
				Reason: err.Error(),
			})
			remaining = append(remaining, el)
			continue
		}
		if _, err := s.SaveNew(ctx, *ev); err != nil {
			report.Errors = append(report.Errors, MigrationError{
				Key:    fmt.Sprintf("%s[%d]", key, i),
				Reason: err.Error(),
			})
			remaining = append(remaining, el)
			continue
		}
		report.Migrated++
	}

	if len(remaining) == 0 {
		if err := s.store.Delete(ctx, key); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("migrated legacy key could not be removed")
		}
		return
	}

	// Keep only the failed elements for a repaired retry. Elements already
	// saved must not survive in the blob: many carry no localId, and a
	// re-run would mint fresh ids and duplicate them.
	if err := s.store.Put(ctx, key, remaining, store.CategoryData); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("legacy blob rewrite failed")
	}
}

func legacyKind(key string) (SourceKind, bool) {
	switch {
	case key == legacyUnifiedKey:
		return SourceUnifiedElement, true
	case strings.HasPrefix(key, legacyChecklistPrefix):
		return SourceLocationChecklist, true
	case strings.HasPrefix(key, legacyOfflinePrefix):
		return SourceOfflineSave, true
	case strings.HasPrefix(key, legacyDailyPrefix):
		return SourceDailyChecklist, true
	}
	return "", false
}

func (s *Service) persist(ctx context.Context, ev *UnifiedEvaluation) error {
	if err := s.store.Put(ctx, recordKeyPrefix+ev.LocalID, ev, store.CategoryData); err != nil {
		return fmt.Errorf("persist evaluation %s: %w", ev.LocalID, err)
	}
	return nil
}

func (s *Service) rebuildIndexesLocked() {
	s.byDate = make(map[string][]string)
	s.byLocation = make(map[string][]string)
	s.byEvaluator = make(map[string][]string)
	s.byStatus = make(map[SyncStatus][]string)

	for id, ev := range s.records {
		s.byDate[ev.EvaluationDate] = append(s.byDate[ev.EvaluationDate], id)
		s.byLocation[ev.LocationID] = append(s.byLocation[ev.LocationID], id)
		s.byEvaluator[ev.EvaluatorID] = append(s.byEvaluator[ev.EvaluatorID], id)
		s.byStatus[ev.SyncStatus] = append(s.byStatus[ev.SyncStatus], id)
	}
}

// CountByStatus reads the sync-status index; used by the operator surface
// for the pending-count indicator.
func (s *Service) CountByStatus(status SyncStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byStatus[status])
}

func applyPartial(ev *UnifiedEvaluation, p Partial) {
	if p.CompanyID != nil {
		ev.CompanyID = *p.CompanyID
	}
	if p.LocationID != nil {
		ev.LocationID = *p.LocationID
	}
	if p.EvaluatorID != nil {
		ev.EvaluatorID = *p.EvaluatorID
	}
	if p.Tasks != nil {
		ev.Tasks = *p.Tasks
	}
	if p.Notes != nil {
		ev.Notes = *p.Notes
	}
	if p.RemoteID != nil {
		ev.RemoteID = *p.RemoteID
	}
	if p.SyncStatus != nil {
		ev.SyncStatus = *p.SyncStatus
	}
	if p.SyncAttempts != nil {
		ev.SyncAttempts = *p.SyncAttempts
	}
	if p.LastSyncAttempt != nil {
		ev.LastSyncAttempt = p.LastSyncAttempt
	}
	if p.SyncTimestamp != nil {
		ev.SyncTimestamp = p.SyncTimestamp
	}
	if p.SyncErrorMsg != nil {
		ev.SyncErrorMsg = *p.SyncErrorMsg
	}
}
