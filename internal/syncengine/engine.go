package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/verisite/verisite-offline/internal/config"
	"github.com/verisite/verisite-offline/internal/evaluation"
	"github.com/verisite/verisite-offline/internal/remote"
)

// ErrSyncInProgress is returned when a manual trigger observes a sweep
// already in flight. Triggers are dropped, not queued: the running sweep
// covers the same items, and dropping is what keeps a single item from being
// pushed twice concurrently.
var ErrSyncInProgress = errors.New("sync already in progress")

// StatusSink receives connection and sync status updates. The session
// manager implements it; the engine never mutates session state directly.
type StatusSink interface {
	SetConnectionStatus(status string)
	SetSyncStatus(status string)
}

// Engine detects unsynchronized records, pushes them to the remote in FIFO
// order and writes sync state back through the evaluation service. One sweep
// runs at a time, guarded by a single in-progress flag.
type Engine struct {
	cfg    config.SyncConfig
	svc    *evaluation.Service
	queue  *Queue
	client *remote.Client
	probe  *Probe
	sink   StatusSink

	begin chan struct{} // capacity 1: holds the in-progress slot

	mu     sync.Mutex
	runCtx context.Context // set by Run; bounds out-of-band sweeps
}

// NewEngine wires the engine. sink may be nil.
func NewEngine(cfg config.SyncConfig, svc *evaluation.Service, queue *Queue, client *remote.Client, probe *Probe, sink StatusSink) *Engine {
	e := &Engine{
		cfg:    cfg,
		svc:    svc,
		queue:  queue,
		client: client,
		probe:  probe,
		sink:   sink,
		begin:  make(chan struct{}, 1),
	}
	e.begin <- struct{}{}
	return e
}

// EnqueueEvaluation queues a record for push. A high-priority enqueue also
// schedules an out-of-band sweep shortly after insertion, bypassing the
// periodic wait without competing with an in-flight sweep. The sweep runs
// under the engine's lifetime, never the caller's: the typical caller is a
// request handler whose context dies before the delay elapses.
func (e *Engine) EnqueueEvaluation(ctx context.Context, localID string, action Action, priority Priority) (*Item, error) {
	item, err := e.queue.Enqueue(ctx, localID, action, priority, e.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}

	if priority == PriorityHigh {
		time.AfterFunc(e.cfg.HighPriorityDelay, func() {
			if err := e.SyncNow(e.lifetime()); err != nil && !errors.Is(err, ErrSyncInProgress) {
				log.Warn().Err(err).Msg("high-priority sync failed")
			}
		})
	}
	return item, nil
}

// lifetime returns the run context once the scheduler is started. Sweeps
// scheduled before Run fall back to Background.
func (e *Engine) lifetime() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// Run is the periodic scheduler. It is owned by the engine's lifetime, not
// any UI surface: started at process init, stopped by ctx at teardown.
// A sweep only starts when the link is online and no sync is in flight; a
// poor link stretches the cadence but never blocks an explicit trigger.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	skip := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			quality := e.probe.Check(ctx)
			e.setConnectionStatus(string(quality))

			if !quality.Online() {
				continue
			}
			if quality == QualityPoor && skip < e.cfg.PoorBackoff-1 {
				skip++
				continue
			}
			skip = 0

			if err := e.SyncNow(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				log.Warn().Err(err).Msg("periodic sync failed")
			}
		}
	}
}

// SyncNow runs one full sweep of the active queue items, FIFO. Returns
// ErrSyncInProgress when a sweep is already in flight.
func (e *Engine) SyncNow(ctx context.Context) error {
	select {
	case <-e.begin:
	default:
		return ErrSyncInProgress
	}
	// The slot is always handed back, even if a push panics; otherwise one
	// bad sweep would disable sync for the rest of the process lifetime.
	defer func() { e.begin <- struct{}{} }()

	e.setSyncStatus("syncing")
	defer func() { e.setSyncStatus("idle") }()

	batch := e.queue.NextBatch()
	if len(batch) == 0 {
		return nil
	}

	log.Info().Int("items", len(batch)).Msg("sync sweep started")

	var firstErr error
	for _, item := range batch {
		// Cancellation stops further items from starting; the in-flight
		// push itself is not interrupted once issued.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.push(ctx, item); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	stats := e.svc.Stats()
	log.Info().
		Int("pending", stats.Pending).
		Int("synced", stats.Synced).
		Int("errors", stats.Error).
		Msg("sync sweep finished")
	return firstErr
}

// push attempts one item. Failures are recorded on the affected record and
// never halt the sweep for unrelated items.
func (e *Engine) push(ctx context.Context, item Item) error {
	record, ok := e.svc.Get(item.LocalID)
	if !ok {
		// Record deleted locally since enqueue; nothing left to push.
		log.Debug().Str("localId", item.LocalID).Msg("queued record no longer exists, dropping item")
		return e.queue.MarkSuccess(ctx, item.ID)
	}
	if record.SyncStatus == evaluation.SyncSynced && record.RemoteID != "" {
		return e.queue.MarkSuccess(ctx, item.ID)
	}

	payload := evaluation.RemotePayload(record)
	created, err := e.client.CreateEvaluation(ctx, payload, record.LocalID)
	if err != nil {
		return e.recordFailure(ctx, item, record, err)
	}

	now := time.Now().UTC()
	status := evaluation.SyncSynced
	empty := ""
	if _, err := e.svc.Update(ctx, record.LocalID, evaluation.Partial{
		RemoteID:      &created.ID,
		SyncStatus:    &status,
		SyncTimestamp: &now,
		SyncErrorMsg:  &empty,
	}); err != nil {
		return err
	}

	log.Info().
		Str("localId", record.LocalID).
		Str("remoteId", created.ID).
		Msg("evaluation synced")
	return e.queue.MarkSuccess(ctx, item.ID)
}

func (e *Engine) recordFailure(ctx context.Context, item Item, record evaluation.UnifiedEvaluation, pushErr error) error {
	now := time.Now().UTC()
	status := evaluation.SyncError
	attempts := record.SyncAttempts + 1
	msg := pushErr.Error()
	if _, err := e.svc.Update(ctx, record.LocalID, evaluation.Partial{
		SyncStatus:      &status,
		SyncAttempts:    &attempts,
		LastSyncAttempt: &now,
		SyncErrorMsg:    &msg,
	}); err != nil {
		return err
	}

	if remote.Retryable(pushErr) {
		if _, err := e.queue.MarkFailure(ctx, item.ID, msg); err != nil {
			return err
		}
		return pushErr
	}

	// Validation rejections and auth failures cannot succeed on blind retry.
	if err := e.queue.Stall(ctx, item.ID, msg); err != nil {
		return err
	}
	return pushErr
}

// Stats exposes queue depth for the operator surface.
func (e *Engine) Stats() (active, stalled int) {
	return e.queue.Len(), len(e.queue.Stalled())
}

// InFlight reports whether a sweep is currently running.
func (e *Engine) InFlight() bool {
	return len(e.begin) == 0
}

func (e *Engine) setConnectionStatus(status string) {
	if e.sink != nil {
		e.sink.SetConnectionStatus(status)
	}
}

func (e *Engine) setSyncStatus(status string) {
	if e.sink != nil {
		e.sink.SetSyncStatus(status)
	}
}
