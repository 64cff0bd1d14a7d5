package tradelog

import (
	"context"
	"time"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/internal/observability"
	"github.com/coachpo/marlin/lib/async"
)

// Recorder fans entries into the in-memory ring and, when a store is
// attached, persists them through a bounded worker pool. Persistence
// failures are logged and dropped; the ring always has the entry.
type Recorder struct {
	ring  *Ring
	store *Store
	pool  *async.Pool
	now   func() time.Time
}

// NewRecorder builds a recorder from the trade log settings. store may be
// nil for memory-only operation.
func NewRecorder(cfg config.TradeLogSettings, store *Store) (*Recorder, error) {
	r := &Recorder{
		ring:  NewRing(cfg.RingSize),
		store: store,
		now:   time.Now,
	}
	if store != nil {
		pool, err := async.NewPool(cfg.Workers, cfg.QueueDepth)
		if err != nil {
			return nil, err
		}
		r.pool = pool
	}
	return r, nil
}

// RecordEvent implements the engine recorder hook.
func (r *Recorder) RecordEvent(ctx context.Context, severity, message string, meta map[string]any) {
	r.Record(ctx, NewEntry(r.now(), Severity(severity), message, meta))
}

// Record adds the entry to the ring and queues persistence.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	r.ring.Add(e)
	if r.pool == nil {
		return
	}
	err := r.pool.Submit(ctx, func(context.Context) error {
		// The write outlives the tick that produced the entry.
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.store.Insert(writeCtx, e)
	})
	if err != nil {
		observability.Log().Warn("trade log persistence skipped",
			observability.F("entry_id", e.ID),
			observability.F("error", err.Error()))
	}
}

// Recent returns the retained in-memory entries, oldest first.
func (r *Recorder) Recent() []Entry {
	return r.ring.Recent()
}

// Close drains the persistence queue.
func (r *Recorder) Close(ctx context.Context) error {
	if r.pool == nil {
		return nil
	}
	return r.pool.Shutdown(ctx)
}
