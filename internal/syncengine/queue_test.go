package syncengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisite/verisite-offline/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewQueue(st), st
}

func TestEnqueueFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, id, ActionCreate, PriorityMedium, 3)
		require.NoError(t, err)
	}

	batch := q.NextBatch()
	require.Len(t, batch, 3)
	assert.Equal(t, "a", batch[0].LocalID)
	assert.Equal(t, "b", batch[1].LocalID)
	assert.Equal(t, "c", batch[2].LocalID)
}

func TestEnqueueDeduplicates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "a", ActionCreate, PriorityMedium, 3)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "a", ActionCreate, PriorityHigh, 3)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, q.Len())
}

func TestMarkSuccessRemoves(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "a", ActionCreate, PriorityMedium, 3)
	require.NoError(t, err)
	require.NoError(t, q.MarkSuccess(ctx, item.ID))

	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.NextBatch())
}

func TestRetryBudgetStalls(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "a", ActionCreate, PriorityMedium, 2)
	require.NoError(t, err)

	// maxRetries=2 allows 3 attempts total before stalling.
	for i := 1; i <= 3; i++ {
		stalled, err := q.MarkFailure(ctx, item.ID, "network down")
		require.NoError(t, err)
		assert.Equal(t, i == 3, stalled, "attempt %d", i)
	}

	// Stalled items stay visible but leave the active batch.
	assert.Empty(t, q.NextBatch())
	stalledItems := q.Stalled()
	require.Len(t, stalledItems, 1)
	assert.Equal(t, 3, stalledItems[0].Attempts)
	assert.Equal(t, "network down", stalledItems[0].LastError)
}

func TestStallImmediate(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "a", ActionCreate, PriorityMedium, 5)
	require.NoError(t, err)
	require.NoError(t, q.Stall(ctx, item.ID, "schema rejected"))

	assert.Empty(t, q.NextBatch())
	require.Len(t, q.Stalled(), 1)
}

func TestRetryReactivates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "a", ActionCreate, PriorityMedium, 0)
	require.NoError(t, err)
	_, err = q.MarkFailure(ctx, item.ID, "boom")
	require.NoError(t, err)
	require.Empty(t, q.NextBatch())

	require.True(t, q.Retry(ctx, item.ID))

	batch := q.NextBatch()
	require.Len(t, batch, 1)
	assert.Equal(t, 0, batch[0].Attempts)
	assert.False(t, batch[0].Stalled)
}

func TestClearDropsEverything(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", ActionCreate, PriorityMedium, 3)
	require.NoError(t, err)
	item, err := q.Enqueue(ctx, "b", ActionCreate, PriorityMedium, 3)
	require.NoError(t, err)
	require.NoError(t, q.Stall(ctx, item.ID, "rejected"))

	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Stalled())

	// The cleared state is what a restart sees.
	restored := NewQueue(st)
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, 0, restored.Len())
	assert.Empty(t, restored.Stalled())
}

func TestQueueSurvivesRestart(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", ActionCreate, PriorityMedium, 3)
	require.NoError(t, err)
	item, err := q.Enqueue(ctx, "b", ActionCreate, PriorityLow, 3)
	require.NoError(t, err)
	require.NoError(t, q.Stall(ctx, item.ID, "rejected"))

	restored := NewQueue(st)
	require.NoError(t, restored.Load(ctx))

	assert.Equal(t, 1, restored.Len())
	require.Len(t, restored.Stalled(), 1)
	assert.Equal(t, "b", restored.Stalled()[0].LocalID)
}
