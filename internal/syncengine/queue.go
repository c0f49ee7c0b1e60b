package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/verisite/verisite-offline/internal/store"
)

const queueStoreKey = "sync_queue"

// Priority orders how soon an item is pushed
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Action is the remote operation an item represents
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Item is one pending push. Attempts never exceeds MaxRetries+1; once the
// budget is exhausted the item stalls: it stays in the queue for operator
// visibility but is excluded from automatic retry.
type Item struct {
	ID         string    `json:"id"`
	LocalID    string    `json:"localId"`
	Action     Action    `json:"action"`
	Priority   Priority  `json:"priority"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"maxRetries"`
	Stalled    bool      `json:"stalled"`
	LastError  string    `json:"lastError,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Queue is a FIFO of pending pushes, persisted to the record store so a
// restart resumes where the process left off.
type Queue struct {
	mu    sync.Mutex
	items []*Item
	st    *store.Store
}

// NewQueue creates an empty queue over the given store.
func NewQueue(st *store.Store) *Queue {
	return &Queue{st: st}
}

// Load restores the persisted queue snapshot, if any.
func (q *Queue) Load(ctx context.Context) error {
	var items []*Item
	ok, err := q.st.Get(ctx, queueStoreKey, &items)
	if err != nil {
		return fmt.Errorf("load sync queue: %w", err)
	}
	if !ok {
		return nil
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()

	log.Info().Int("items", len(items)).Msg("sync queue restored")
	return nil
}

// Enqueue appends an item for the given record and persists the queue.
// A record already queued (and not stalled) is not queued twice.
func (q *Queue) Enqueue(ctx context.Context, localID string, action Action, priority Priority, maxRetries int) (*Item, error) {
	q.mu.Lock()
	for _, it := range q.items {
		if it.LocalID == localID && !it.Stalled {
			q.mu.Unlock()
			return it, nil
		}
	}

	item := &Item{
		ID:         uuid.New().String(),
		LocalID:    localID,
		Action:     action,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	if err := q.persist(ctx); err != nil {
		return nil, err
	}

	log.Debug().
		Str("itemId", item.ID).
		Str("localId", localID).
		Str("priority", string(priority)).
		Msg("sync item enqueued")
	return item, nil
}

// NextBatch returns copies of the active (non-stalled) items in FIFO enqueue
// order. Ordering holds within one sweep; nothing is guaranteed across sweeps.
func (q *Queue) NextBatch() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		if !it.Stalled {
			batch = append(batch, *it)
		}
	}
	return batch
}

// MarkSuccess removes the item from the queue.
func (q *Queue) MarkSuccess(ctx context.Context, itemID string) error {
	q.mu.Lock()
	for i, it := range q.items {
		if it.ID == itemID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	return q.persist(ctx)
}

// MarkFailure counts a failed attempt. The item stalls once it has used
// MaxRetries+1 attempts; it is never silently dropped.
func (q *Queue) MarkFailure(ctx context.Context, itemID, reason string) (stalled bool, err error) {
	q.mu.Lock()
	for _, it := range q.items {
		if it.ID == itemID {
			it.Attempts++
			it.LastError = reason
			if it.Attempts >= it.MaxRetries+1 {
				it.Stalled = true
				stalled = true
			}
			break
		}
	}
	q.mu.Unlock()

	if stalled {
		log.Warn().Str("itemId", itemID).Str("reason", reason).Msg("sync item stalled")
	}
	return stalled, q.persist(ctx)
}

// Stall parks the item immediately, bypassing the retry budget. Used for
// remote rejections where blind retry cannot succeed.
func (q *Queue) Stall(ctx context.Context, itemID, reason string) error {
	q.mu.Lock()
	for _, it := range q.items {
		if it.ID == itemID {
			it.Attempts++
			it.LastError = reason
			it.Stalled = true
			break
		}
	}
	q.mu.Unlock()

	log.Warn().Str("itemId", itemID).Str("reason", reason).Msg("sync item rejected by remote")
	return q.persist(ctx)
}

// Stalled returns copies of the items awaiting manual intervention.
func (q *Queue) Stalled() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Item
	for _, it := range q.items {
		if it.Stalled {
			out = append(out, *it)
		}
	}
	return out
}

// Retry reactivates a stalled item with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, itemID string) bool {
	q.mu.Lock()
	found := false
	for _, it := range q.items {
		if it.ID == itemID && it.Stalled {
			it.Stalled = false
			it.Attempts = 0
			it.LastError = ""
			found = true
			break
		}
	}
	q.mu.Unlock()

	if found {
		if err := q.persist(ctx); err != nil {
			log.Warn().Err(err).Msg("persist queue after retry failed")
		}
	}
	return found
}

// Len returns the number of active (non-stalled) items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, it := range q.items {
		if !it.Stalled {
			n++
		}
	}
	return n
}

// Clear drops all items. Used on user switch purge.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	return q.persist(ctx)
}

func (q *Queue) persist(ctx context.Context) error {
	q.mu.Lock()
	snapshot := make([]*Item, len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	if err := q.st.Put(ctx, queueStoreKey, snapshot, store.CategoryData); err != nil {
		return fmt.Errorf("persist sync queue: %w", err)
	}
	return nil
}
