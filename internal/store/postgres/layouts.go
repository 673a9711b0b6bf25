package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/export/layout"
)

const layoutColumns = `id, name, description, client_id, entity_type, fields, format,
	strategy_id, options, is_default, created_at, updated_at`

func scanLayout(row pgx.CollectableRow) (layout.Template, error) {
	var (
		t       layout.Template
		fields  []byte
		options []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.ClientID, &t.EntityType, &fields, &t.Format,
		&t.StrategyID, &options, &t.Default, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	if err := json.Unmarshal(fields, &t.Fields); err != nil {
		return t, fmt.Errorf("unmarshal fields: %w", err)
	}
	if err := json.Unmarshal(options, &t.Options); err != nil {
		return t, fmt.Errorf("unmarshal options: %w", err)
	}
	return t, nil
}

func (s *Store) GetExportTemplate(ctx context.Context, id string) (*layout.Template, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+layoutColumns+" FROM export_templates WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("get export template: %w", err)
	}
	t, err := pgx.CollectOneRow(rows, scanLayout)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("export template %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get export template: %w", err)
	}
	return &t, nil
}

func (s *Store) DefaultExportTemplate(ctx context.Context, clientID int64, entityType string) (*layout.Template, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+layoutColumns+` FROM export_templates
WHERE is_default AND entity_type = $2 AND client_id IN ($1, 0)
ORDER BY client_id DESC LIMIT 1`, clientID, entityType)
	if err != nil {
		return nil, fmt.Errorf("default export template: %w", err)
	}
	t, err := pgx.CollectOneRow(rows, scanLayout)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("default export template for %s: %w", entityType, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("default export template: %w", err)
	}
	return &t, nil
}

func (s *Store) ListExportTemplates(ctx context.Context, clientID int64, entityType string) ([]layout.Template, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+layoutColumns+` FROM export_templates
WHERE client_id IN ($1, 0) AND ($2 = '' OR entity_type = $2)
ORDER BY client_id = 0, name`, clientID, entityType)
	if err != nil {
		return nil, fmt.Errorf("list export templates: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanLayout)
	if err != nil {
		return nil, fmt.Errorf("list export templates: %w", err)
	}
	return out, nil
}

// SaveExportTemplate upserts t by id, clearing any other default of the
// same client and entity type in the same transaction.
func (s *Store) SaveExportTemplate(ctx context.Context, t *layout.Template) error {
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	if t.Fields == nil {
		fields = []byte("[]")
	}
	options, err := json.Marshal(t.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	if t.Options == nil {
		options = []byte("{}")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = uuid.NewString()
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if t.Default {
		if _, err := tx.Exec(ctx,
			`UPDATE export_templates SET is_default = FALSE, updated_at = NOW()
WHERE client_id = $1 AND entity_type = $2 AND id <> $3 AND is_default`,
			t.ClientID, t.EntityType, t.ID); err != nil {
			return fmt.Errorf("clear default export template: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO export_templates (id, name, description, client_id, entity_type, fields, format, strategy_id, options, is_default, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    client_id = EXCLUDED.client_id,
    entity_type = EXCLUDED.entity_type,
    fields = EXCLUDED.fields,
    format = EXCLUDED.format,
    strategy_id = EXCLUDED.strategy_id,
    options = EXCLUDED.options,
    is_default = EXCLUDED.is_default,
    updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Description, t.ClientID, t.EntityType, fields, t.Format,
		t.StrategyID, options, t.Default, t.CreatedAt, t.UpdatedAt); err != nil {
		return fmt.Errorf("save export template: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit export template: %w", err)
	}
	return nil
}

func (s *Store) DeleteExportTemplate(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete export template", id, "DELETE FROM export_templates WHERE id = $1", id)
}
