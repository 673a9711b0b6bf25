// Package progress tracks running operations and fans their snapshots out
// to subscribers.
//
// Every update is persisted through the operation store before it is
// published, so a running snapshot a subscriber sees is never ahead of the
// durable record. Terminal snapshots are published even when persisting
// them fails, so subscribers are never left waiting. Publishing never
// blocks: a subscriber that falls behind skips intermediate snapshots but
// always receives the terminal one. The external Publisher is called
// without the tracker lock held.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/pricefeed/internal/config"
	"github.com/JonMunkholm/pricefeed/internal/core"
)

// subscriberBuffer is the channel capacity given to each subscriber.
const subscriberBuffer = 10

// Snapshot is the observable progress of one operation.
type Snapshot struct {
	OperationID string             `json:"operationId"`
	Type        core.OperationType `json:"operationType"`
	Status      core.Status        `json:"status"`
	Total       int64              `json:"total"`
	Processed   int64              `json:"processed"`
	Failed      int64              `json:"failed"`
	Persisted   int64              `json:"persisted"`
	Percent     int                `json:"percent"`
	Message     string             `json:"message,omitempty"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// Counters returns the counter portion of s.
func (s Snapshot) Counters() core.Counters {
	return core.Counters{Total: s.Total, Processed: s.Processed, Failed: s.Failed, Persisted: s.Persisted}
}

// Percent returns min(100, processed*100/total), or 0 while total is unknown.
func Percent(processed, total int64) int {
	if total <= 0 {
		return 0
	}
	p := processed * 100 / total
	if p > 100 {
		return 100
	}
	return int(p)
}

// FromRecord builds a snapshot from a stored operation record.
func FromRecord(r *core.OperationRecord) Snapshot {
	s := Snapshot{
		OperationID: r.ID,
		Type:        r.Type,
		Status:      r.Status,
		Total:       r.TotalRecords,
		Processed:   r.ProcessedRecords,
		Failed:      r.FailedRecords,
		Persisted:   r.PersistedRecords,
		Percent:     Percent(r.ProcessedRecords, r.TotalRecords),
		Message:     r.ErrorMessage,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Status == core.StatusCompleted {
		s.Percent = 100
	}
	return s
}

// Publisher forwards snapshots outside the process.
type Publisher interface {
	Publish(ctx context.Context, s Snapshot) error
}

type entry struct {
	snap   Snapshot
	subs   map[chan Snapshot]struct{}
	doneAt time.Time
}

// Tracker owns the in-memory snapshots of running and recently finished
// operations.
type Tracker struct {
	store core.OperationStore
	pub   Publisher
	cfg   config.ProgressConfig
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	global  map[chan Snapshot]struct{}
}

// New creates a tracker persisting through store. pub may be nil.
func New(store core.OperationStore, cfg config.ProgressConfig, pub Publisher) *Tracker {
	return &Tracker{
		store:   store,
		pub:     pub,
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
		global:  make(map[chan Snapshot]struct{}),
	}
}

// Track registers a queued operation as PENDING so it can be subscribed to
// before its job starts.
func (t *Tracker) Track(id string, typ core.OperationType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return
	}
	t.entries[id] = &entry{
		subs: make(map[chan Snapshot]struct{}),
		snap: Snapshot{OperationID: id, Type: typ, Status: core.StatusPending, UpdatedAt: t.now()},
	}
}

// Init moves an operation to PROCESSING with the given total (0 when unknown).
func (t *Tracker) Init(ctx context.Context, id string, typ core.OperationType, total int64) error {
	now := t.now()
	if err := t.store.StartOperation(ctx, id, now); err != nil {
		return err
	}
	if total > 0 {
		if err := t.store.UpdateCounters(ctx, id, core.Counters{Total: total}); err != nil {
			return err
		}
	}

	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{subs: make(map[chan Snapshot]struct{})}
		t.entries[id] = e
	}
	e.snap = Snapshot{
		OperationID: id,
		Type:        typ,
		Status:      core.StatusProcessing,
		Total:       total,
		UpdatedAt:   now,
	}
	snap := t.broadcast(e, false)
	t.mu.Unlock()

	t.forward(ctx, snap)
	return nil
}

// Advance records new counters. Processed never moves backwards.
func (t *Tracker) Advance(ctx context.Context, id string, c core.Counters) error {
	t.mu.Lock()
	if e, ok := t.entries[id]; ok && c.Processed < e.snap.Processed {
		c.Processed = e.snap.Processed
	}
	t.mu.Unlock()

	if err := t.store.UpdateCounters(ctx, id, c); err != nil {
		return err
	}

	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.snap.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	e.snap.Total, e.snap.Processed, e.snap.Failed, e.snap.Persisted = c.Total, c.Processed, c.Failed, c.Persisted
	e.snap.Percent = Percent(c.Processed, c.Total)
	e.snap.UpdatedAt = t.now()
	snap := t.broadcast(e, false)
	t.mu.Unlock()

	t.forward(ctx, snap)
	return nil
}

// Complete finishes an operation successfully.
func (t *Tracker) Complete(ctx context.Context, id string, c core.Counters, artifact string) error {
	return t.finish(ctx, id, core.Outcome{Status: core.StatusCompleted, Counters: c, ArtifactPath: artifact})
}

// Fail finishes an operation with cause as the error message.
func (t *Tracker) Fail(ctx context.Context, id string, c core.Counters, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.finish(ctx, id, core.Outcome{Status: core.StatusFailed, Counters: c, ErrorMessage: msg})
}

// Cancel finishes an operation as CANCELLED.
func (t *Tracker) Cancel(ctx context.Context, id string, c core.Counters) error {
	return t.finish(ctx, id, core.Outcome{Status: core.StatusCancelled, Counters: c, ErrorMessage: core.ErrCancelled.Error()})
}

// finish records the outcome and ends every stream of id. The in-memory
// snapshot turns terminal even when the store rejects the outcome, and the
// store error is returned.
func (t *Tracker) finish(ctx context.Context, id string, out core.Outcome) error {
	out.CompletedAt = t.now()
	storeErr := t.store.FinishOperation(ctx, id, out)

	t.mu.Lock()
	_, tracked := t.entries[id]
	t.mu.Unlock()

	var typ core.OperationType
	if !tracked {
		// Finished before Init, e.g. a job cancelled while queued.
		if storeErr != nil {
			return storeErr
		}
		if rec, err := t.store.GetOperation(ctx, id); err == nil {
			typ = rec.Type
		}
	}

	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{subs: make(map[chan Snapshot]struct{})}
		e.snap = Snapshot{OperationID: id, Type: typ}
		t.entries[id] = e
	}
	if e.snap.Status.Terminal() {
		t.mu.Unlock()
		return storeErr
	}
	c := out.Counters
	e.snap.Status = out.Status
	e.snap.Total, e.snap.Processed, e.snap.Failed, e.snap.Persisted = c.Total, c.Processed, c.Failed, c.Persisted
	e.snap.Percent = Percent(c.Processed, c.Total)
	if out.Status == core.StatusCompleted {
		e.snap.Percent = 100
	}
	e.snap.Message = out.ErrorMessage
	e.snap.UpdatedAt = out.CompletedAt
	e.doneAt = out.CompletedAt
	snap := t.broadcast(e, true)
	for ch := range e.subs {
		close(ch)
	}
	clear(e.subs)
	t.mu.Unlock()

	t.forward(ctx, snap)
	return storeErr
}

// broadcast offers the snapshot of e to in-process subscribers and returns
// it. It must be called with t.mu held.
func (t *Tracker) broadcast(e *entry, terminal bool) Snapshot {
	s := e.snap
	for ch := range e.subs {
		offer(ch, s, terminal)
	}
	for ch := range t.global {
		offer(ch, s, terminal)
	}
	return s
}

// forward hands s to the external publisher. It must be called without
// t.mu held.
func (t *Tracker) forward(ctx context.Context, s Snapshot) {
	if t.pub == nil {
		return
	}
	if err := t.pub.Publish(ctx, s); err != nil {
		slog.Warn("publish progress failed", "operation_id", s.OperationID, "error", err)
	}
}

// offer sends without blocking. A terminal snapshot evicts the oldest
// buffered one rather than being dropped.
func offer(ch chan Snapshot, s Snapshot, terminal bool) {
	select {
	case ch <- s:
		return
	default:
	}
	if !terminal {
		return
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Snapshot returns the tracked snapshot of id.
func (t *Tracker) Snapshot(id string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snap, true
}

// Subscribe returns a channel of snapshots for id, starting with the
// current one. The channel is closed after the terminal snapshot. ok is
// false when id is not tracked.
func (t *Tracker) Subscribe(id string) (ch <-chan Snapshot, unsubscribe func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[id]
	if !found {
		return nil, func() {}, false
	}

	c := make(chan Snapshot, subscriberBuffer)
	c <- e.snap
	if e.snap.Status.Terminal() {
		close(c)
		return c, func() {}, true
	}
	e.subs[c] = struct{}{}
	return c, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := e.subs[c]; ok {
			delete(e.subs, c)
			close(c)
		}
	}, true
}

// SubscribeAll returns a channel receiving every operation's snapshots.
func (t *Tracker) SubscribeAll() (<-chan Snapshot, func()) {
	c := make(chan Snapshot, subscriberBuffer)
	t.mu.Lock()
	t.global[c] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.global, c)
			t.mu.Unlock()
			close(c)
		})
	}
}

// Run evicts terminal snapshots older than the retention window and logs
// operations that look stuck. It returns when ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.cfg.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	slog.Info("progress reaper started", "interval", interval, "retention", t.cfg.Retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("progress reaper stopped")
			return
		case <-ticker.C:
			t.reap(ctx)
		}
	}
}

func (t *Tracker) reap(ctx context.Context) {
	if n := t.Evict(); n > 0 {
		slog.Debug("evicted progress snapshots", "count", n)
	}
	if t.cfg.StuckAfter <= 0 {
		return
	}
	stuck, err := t.store.ListStuck(ctx, t.now().Add(-t.cfg.StuckAfter))
	if err != nil {
		slog.Error("list stuck operations failed", "error", err)
		return
	}
	for _, op := range stuck {
		slog.Warn("operation looks stuck",
			"operation_id", op.ID,
			"operation_type", op.Type,
			"last_update", op.UpdatedAt,
		)
	}
}

// Evict drops terminal snapshots finished more than Retention ago and
// returns how many were removed.
func (t *Tracker) Evict() int {
	cutoff := t.now().Add(-t.cfg.Retention)
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.entries {
		if e.snap.Status.Terminal() && !e.doneAt.After(cutoff) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}
