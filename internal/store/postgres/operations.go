package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

const operationColumns = `id, client_id, file_name, operation_type, status,
	total_records, processed_records, failed_records, persisted_records,
	error_message, params, artifact_path, created_at, started_at, completed_at, updated_at`

func (s *Store) CreateOperation(ctx context.Context, op *core.OperationRecord) error {
	params, err := json.Marshal(op.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if op.Params == nil {
		params = []byte("{}")
	}
	now := time.Now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now

	_, err = s.pool.Exec(ctx, `
INSERT INTO operations (id, client_id, file_name, operation_type, status, total_records, params, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		op.ID, op.ClientID, op.FileName, string(op.Type), string(op.Status), op.TotalRecords, params, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create operation: %w", err)
	}
	return nil
}

func scanOperation(row pgx.CollectableRow) (core.OperationRecord, error) {
	var (
		r      core.OperationRecord
		typ    string
		status string
		params []byte
	)
	err := row.Scan(&r.ID, &r.ClientID, &r.FileName, &typ, &status,
		&r.TotalRecords, &r.ProcessedRecords, &r.FailedRecords, &r.PersistedRecords,
		&r.ErrorMessage, &params, &r.ArtifactPath, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.Type = core.OperationType(typ)
	r.Status = core.Status(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.Params); err != nil {
			return r, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	return r, nil
}

func (s *Store) GetOperation(ctx context.Context, id string) (*core.OperationRecord, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+operationColumns+" FROM operations WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	rec, err := pgx.CollectOneRow(rows, scanOperation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return &rec, nil
}

func (s *Store) StartOperation(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, "start operation", id, core.StatusProcessing,
		`UPDATE operations SET status = $2, started_at = $4, updated_at = NOW()
WHERE id = $1 AND status = ANY($3)`,
		at)
}

func (s *Store) UpdateCounters(ctx context.Context, id string, c core.Counters) error {
	return s.execOne(ctx, "update counters", id, `
UPDATE operations
SET total_records = $2, processed_records = $3, failed_records = $4, persisted_records = $5, updated_at = NOW()
WHERE id = $1`,
		id, c.Total, c.Processed, c.Failed, c.Persisted)
}

func (s *Store) FinishOperation(ctx context.Context, id string, out core.Outcome) error {
	return s.transition(ctx, "finish operation", id, out.Status, `
UPDATE operations
SET status = $2, total_records = $4, processed_records = $5, failed_records = $6, persisted_records = $7,
    error_message = $8, artifact_path = $9, completed_at = $10, updated_at = NOW()
WHERE id = $1 AND status = ANY($3)`,
		out.Counters.Total, out.Counters.Processed, out.Counters.Failed, out.Counters.Persisted,
		out.ErrorMessage, out.ArtifactPath, out.CompletedAt)
}

// transition runs a status update guarded by the legal source statuses of
// to. sql takes id, to and the sources as $1..$3, then args.
func (s *Store) transition(ctx context.Context, what, id string, to core.Status, sql string, args ...any) error {
	var from []string
	for _, st := range to.Sources() {
		from = append(from, string(st))
	}
	tag, err := s.pool.Exec(ctx, sql, append([]any{id, string(to), from}, args...)...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	rec, err := s.GetOperation(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%s %s %s -> %s: %w", what, id, rec.Status, to, core.ErrInvalidTransition)
}

func (s *Store) execOne(ctx context.Context, what, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", what, id, core.ErrNotFound)
	}
	return nil
}

func (s *Store) listOperations(ctx context.Context, where string, args ...any) ([]core.OperationRecord, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+operationColumns+" FROM operations WHERE "+where+" ORDER BY created_at", args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanOperation)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return recs, nil
}

func (s *Store) ListActive(ctx context.Context) ([]core.OperationRecord, error) {
	return s.listOperations(ctx, "status IN ($1, $2)", string(core.StatusPending), string(core.StatusProcessing))
}

func (s *Store) ListStuck(ctx context.Context, notUpdatedSince time.Time) ([]core.OperationRecord, error) {
	return s.listOperations(ctx, "status = $1 AND updated_at < $2", string(core.StatusProcessing), notUpdatedSince)
}

func (s *Store) Stats(ctx context.Context, since time.Time) ([]core.OperationStats, error) {
	rows, err := s.pool.Query(ctx, `
SELECT operation_type, status, COUNT(*)
FROM operations
WHERE created_at >= $1
GROUP BY operation_type, status
ORDER BY operation_type, status`, since)
	if err != nil {
		return nil, fmt.Errorf("operation stats: %w", err)
	}
	stats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.OperationStats, error) {
		var (
			st          core.OperationStats
			typ, status string
		)
		err := row.Scan(&typ, &status, &st.Count)
		st.Type, st.Status = core.OperationType(typ), core.Status(status)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("operation stats: %w", err)
	}
	return stats, nil
}
