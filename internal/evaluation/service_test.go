package evaluation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisite/verisite-offline/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := NewService(st)
	require.NoError(t, svc.Load(context.Background()))
	return svc, st
}

func TestSaveNewAssignsIdentity(t *testing.T) {
	svc, _ := newTestService(t)

	ev, err := svc.SaveNew(context.Background(), UnifiedEvaluation{
		LocationID:  "7",
		EvaluatorID: "3",
		Tasks:       []Task{{Name: "Lobby", Result: ResultGood}},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, ev.LocalID)
	assert.Equal(t, SyncPending, ev.SyncStatus)
	assert.False(t, ev.CreatedAt.IsZero())
	assert.Equal(t, ev.CreatedAt, ev.UpdatedAt)
	assert.NotZero(t, ev.EvaluationTimestamp)
}

func TestSaveNewSurvivesReload(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	ev, err := svc.SaveNew(ctx, UnifiedEvaluation{LocationID: "7"})
	require.NoError(t, err)

	// A fresh service over the same store sees the record.
	svc2 := NewService(st)
	require.NoError(t, svc2.Load(ctx))
	got, ok := svc2.Get(ev.LocalID)
	require.True(t, ok)
	assert.Equal(t, "7", got.LocationID)
}

func TestUpdateUnknownID(t *testing.T) {
	svc, _ := newTestService(t)

	ok, err := svc.Update(context.Background(), "missing", Partial{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Delete(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateMonotonicUpdatedAt(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Freeze the clock so successive updates observe a stalled wall clock.
	frozen := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return frozen }

	ev, err := svc.SaveNew(ctx, UnifiedEvaluation{LocationID: "7"})
	require.NoError(t, err)

	var stamps []time.Time
	for i := 0; i < 5; i++ {
		notes := "pass"
		ok, err := svc.Update(ctx, ev.LocalID, Partial{Notes: &notes})
		require.NoError(t, err)
		require.True(t, ok)
		got, _ := svc.Get(ev.LocalID)
		stamps = append(stamps, got.UpdatedAt)
	}

	for i := 1; i < len(stamps); i++ {
		assert.True(t, stamps[i].After(stamps[i-1]),
			"updatedAt must strictly increase: %v vs %v", stamps[i-1], stamps[i])
	}
}

func TestUpdateSyncWriteBack(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ev, err := svc.SaveNew(ctx, UnifiedEvaluation{
		LocationID: "7",
		Tasks:      []Task{{Name: "Lobby", Result: ResultGood}},
	})
	require.NoError(t, err)

	remoteID := "srv-42"
	status := SyncSynced
	now := time.Now().UTC()
	ok, err := svc.Update(ctx, ev.LocalID, Partial{
		RemoteID:      &remoteID,
		SyncStatus:    &status,
		SyncTimestamp: &now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, _ := svc.Get(ev.LocalID)
	assert.Equal(t, "srv-42", got.RemoteID)
	assert.Equal(t, SyncSynced, got.SyncStatus)
	// payload untouched by sync-state write-back
	assert.Equal(t, "Lobby", got.Tasks[0].Name)
}

func TestConcurrentUpdatesMergeSequentially(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// A sync write-back racing a payload edit: whichever lands second must
	// merge on top of the first, never on the shared base.
	for i := 0; i < 50; i++ {
		ev, err := svc.SaveNew(ctx, UnifiedEvaluation{LocationID: "7"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			notes := "edited while syncing"
			_, err := svc.Update(ctx, ev.LocalID, Partial{Notes: &notes})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			remoteID := "srv-1"
			status := SyncSynced
			_, err := svc.Update(ctx, ev.LocalID, Partial{RemoteID: &remoteID, SyncStatus: &status})
			assert.NoError(t, err)
		}()
		wg.Wait()

		got, ok := svc.Get(ev.LocalID)
		require.True(t, ok)
		assert.Equal(t, "edited while syncing", got.Notes, "iteration %d", i)
		assert.Equal(t, "srv-1", got.RemoteID, "iteration %d", i)
		assert.Equal(t, SyncSynced, got.SyncStatus, "iteration %d", i)
	}
}

func TestSearchFiltersAreANDed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seed := []UnifiedEvaluation{
		{LocationID: "7", EvaluatorID: "3"},
		{LocationID: "7", EvaluatorID: "4"},
		{LocationID: "8", EvaluatorID: "3"},
	}
	for i, ev := range seed {
		ev.StampInstant(time.Date(2024, 5, 10+i, 9, 0, 0, 0, time.UTC))
		_, err := svc.SaveNew(ctx, ev)
		require.NoError(t, err)
	}

	assert.Len(t, svc.Search(Filter{}), 3)
	assert.Len(t, svc.Search(Filter{LocationID: "7"}), 2)
	assert.Len(t, svc.Search(Filter{LocationID: "7", EvaluatorID: "3"}), 1)
	assert.Len(t, svc.Search(Filter{DateFrom: "2024-05-11"}), 2)
	assert.Len(t, svc.Search(Filter{DateFrom: "2024-05-11", DateTo: "2024-05-11"}), 1)
	assert.Empty(t, svc.Search(Filter{LocationID: "9"}))
}

func TestSearchBySyncStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ev, err := svc.SaveNew(ctx, UnifiedEvaluation{LocationID: "7"})
	require.NoError(t, err)
	_, err = svc.SaveNew(ctx, UnifiedEvaluation{LocationID: "8"})
	require.NoError(t, err)

	status := SyncSynced
	_, err = svc.Update(ctx, ev.LocalID, Partial{SyncStatus: &status})
	require.NoError(t, err)

	synced := svc.Search(Filter{SyncStatus: SyncSynced})
	require.Len(t, synced, 1)
	assert.Equal(t, ev.LocalID, synced[0].LocalID)
	assert.Equal(t, 1, svc.CountByStatus(SyncPending))
}

func TestStats(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.SaveNew(ctx, UnifiedEvaluation{LocationID: "7"})
		require.NoError(t, err)
	}

	stats := svc.Stats()
	assert.Equal(t, SyncStats{Total: 3, Pending: 3}, stats)
}

func TestMigrateLegacyMixedFormats(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "checklist_7",
		json.RawMessage(`{"locationId":"7","items":[{"name":"Lobby","status":"good"}]}`),
		store.CategoryData))
	require.NoError(t, st.Put(ctx, "offline_save_1700000000",
		json.RawMessage(`{"location_id":"8","tasks":[{"task":"Dock","rating":2}]}`),
		store.CategoryData))
	require.NoError(t, st.Put(ctx, "daily_checklist_2024-01-05",
		json.RawMessage(`{"date":"2024-01-05","location":"9","entries":[]}`),
		store.CategoryData))
	// deliberately corrupt record
	require.NoError(t, st.Put(ctx, "offline_save_1700000099",
		json.RawMessage(`"just a string"`),
		store.CategoryData))

	report, err := svc.MigrateLegacy(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Migrated)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "offline_save_1700000099", report.Errors[0].Key)

	// migrated keys removed, canonical records present
	keys, err := st.ListKeys(ctx)
	require.NoError(t, err)
	assert.NotContains(t, keys, "checklist_7")
	assert.Contains(t, keys, "offline_save_1700000099")
	assert.Len(t, svc.Search(Filter{}), 3)
}

func TestMigrateLegacyUnifiedArray(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "unified_evaluations",
		json.RawMessage(`[
			{"localId":"a1","locationId":"7","tasks":[]},
			{"localId":"a2","locationId":"8","tasks":[]}
		]`),
		store.CategoryData))

	report, err := svc.MigrateLegacy(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Migrated)
	assert.Empty(t, report.Errors)

	_, ok := svc.Get("a1")
	assert.True(t, ok)
	_, ok = svc.Get("a2")
	assert.True(t, ok)

	keys, err := st.ListKeys(ctx)
	require.NoError(t, err)
	assert.NotContains(t, keys, "unified_evaluations")
}

func TestMigrateUnifiedArrayPartialFailure(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	// One element converts (and carries no localId), one is corrupt.
	require.NoError(t, st.Put(ctx, "unified_evaluations",
		json.RawMessage(`[
			{"locationId":"7","tasks":[]},
			"broken"
		]`),
		store.CategoryData))

	report, err := svc.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Migrated)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "unified_evaluations[1]", report.Errors[0].Key)

	// The blob survives for retry, holding only the failed element.
	var remaining []json.RawMessage
	ok, err := st.Get(ctx, "unified_evaluations", &remaining)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, remaining, 1)

	// The retry reports the corrupt element again and must not duplicate
	// the one that already migrated under a fresh id.
	report, err = svc.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Migrated)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "unified_evaluations[0]", report.Errors[0].Key)
	assert.Len(t, svc.Search(Filter{}), 1)
}

func TestMigrationRoundTrip(t *testing.T) {
	// Round trip: legacy blob -> convert -> save -> search returns a record
	// whose scope and payload derive from the original.
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "checklist_7",
		json.RawMessage(`{"locationId":"7","evaluatorId":"3","date":"2024-02-02","items":[{"name":"Exit signs","status":"excellent"}]}`),
		store.CategoryData))

	_, err := svc.MigrateLegacy(ctx)
	require.NoError(t, err)

	results := svc.Search(Filter{LocationID: "7", EvaluatorID: "3"})
	require.Len(t, results, 1)
	assert.Equal(t, "2024-02-02", results[0].EvaluationDate)
	require.Len(t, results[0].Tasks, 1)
	assert.Equal(t, "Exit signs", results[0].Tasks[0].Name)
	assert.Equal(t, ResultExcellent, results[0].Tasks[0].Result)
}
