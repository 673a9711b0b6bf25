package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

var errNotFound = core.ErrNotFound

type opRow struct {
	rec core.OperationRecord
}

type operations struct {
	mu   sync.RWMutex
	byID map[string]*opRow
}

func (s *Store) CreateOperation(ctx context.Context, op *core.OperationRecord) error {
	s.ops.mu.Lock()
	defer s.ops.mu.Unlock()

	now := time.Now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now
	rec := *op
	rec.Params = maps.Clone(op.Params)
	s.ops.byID[op.ID] = &opRow{rec: rec}
	return nil
}

func (s *Store) GetOperation(ctx context.Context, id string) (*core.OperationRecord, error) {
	s.ops.mu.RLock()
	defer s.ops.mu.RUnlock()

	row, ok := s.ops.byID[id]
	if !ok {
		return nil, notFound("operation", id)
	}
	rec := row.rec
	return &rec, nil
}

func (s *Store) StartOperation(ctx context.Context, id string, at time.Time) error {
	return s.transitionOp(id, core.StatusProcessing, func(r *core.OperationRecord) {
		r.StartedAt = &at
	})
}

func (s *Store) UpdateCounters(ctx context.Context, id string, c core.Counters) error {
	return s.updateOp(id, func(r *core.OperationRecord) {
		r.TotalRecords = c.Total
		r.ProcessedRecords = c.Processed
		r.FailedRecords = c.Failed
		r.PersistedRecords = c.Persisted
	})
}

func (s *Store) FinishOperation(ctx context.Context, id string, out core.Outcome) error {
	return s.transitionOp(id, out.Status, func(r *core.OperationRecord) {
		completed := out.CompletedAt
		r.TotalRecords = out.Counters.Total
		r.ProcessedRecords = out.Counters.Processed
		r.FailedRecords = out.Counters.Failed
		r.PersistedRecords = out.Counters.Persisted
		r.ErrorMessage = out.ErrorMessage
		r.ArtifactPath = out.ArtifactPath
		r.CompletedAt = &completed
	})
}

func (s *Store) updateOp(id string, fn func(*core.OperationRecord)) error {
	return s.transitionOp(id, "", fn)
}

// transitionOp applies fn and moves the record to status. An empty status
// leaves it unchanged.
func (s *Store) transitionOp(id string, status core.Status, fn func(*core.OperationRecord)) error {
	s.ops.mu.Lock()
	defer s.ops.mu.Unlock()

	row, ok := s.ops.byID[id]
	if !ok {
		return notFound("operation", id)
	}
	if status != "" {
		if !row.rec.Status.CanTransition(status) {
			return fmt.Errorf("operation %s %s -> %s: %w", id, row.rec.Status, status, core.ErrInvalidTransition)
		}
		row.rec.Status = status
	}
	fn(&row.rec)
	row.rec.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ListActive(ctx context.Context) ([]core.OperationRecord, error) {
	return s.listOps(func(r *core.OperationRecord) bool {
		return r.Status == core.StatusPending || r.Status == core.StatusProcessing
	}), nil
}

func (s *Store) ListStuck(ctx context.Context, notUpdatedSince time.Time) ([]core.OperationRecord, error) {
	return s.listOps(func(r *core.OperationRecord) bool {
		return r.Status == core.StatusProcessing && r.UpdatedAt.Before(notUpdatedSince)
	}), nil
}

func (s *Store) listOps(keep func(*core.OperationRecord) bool) []core.OperationRecord {
	s.ops.mu.RLock()
	defer s.ops.mu.RUnlock()

	var out []core.OperationRecord
	for _, row := range s.ops.byID {
		if keep(&row.rec) {
			out = append(out, row.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Stats(ctx context.Context, since time.Time) ([]core.OperationStats, error) {
	s.ops.mu.RLock()
	defer s.ops.mu.RUnlock()

	type bucket struct {
		t  core.OperationType
		st core.Status
	}
	counts := make(map[bucket]int64)
	for _, row := range s.ops.byID {
		if row.rec.CreatedAt.Before(since) {
			continue
		}
		counts[bucket{row.rec.Type, row.rec.Status}]++
	}

	out := make([]core.OperationStats, 0, len(counts))
	for b, n := range counts {
		out = append(out, core.OperationStats{Type: b.t, Status: b.st, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// SetUpdatedAt backdates an operation. Tests use it to simulate stuck jobs.
func (s *Store) SetUpdatedAt(id string, at time.Time) {
	s.ops.mu.Lock()
	defer s.ops.mu.Unlock()
	if row, ok := s.ops.byID[id]; ok {
		row.rec.UpdatedAt = at
	}
}
