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
	"github.com/JonMunkholm/pricefeed/internal/mapping"
)

const templateColumns = `id, name, description, client_id, entity_type, file_format,
	active, is_default, rules, created_at, updated_at`

func scanTemplate(row pgx.CollectableRow) (mapping.Template, error) {
	var (
		t     mapping.Template
		rules []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.ClientID, &t.EntityType, &t.FileFormat,
		&t.Active, &t.Default, &rules, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	if err := json.Unmarshal(rules, &t.Rules); err != nil {
		return t, fmt.Errorf("unmarshal rules: %w", err)
	}
	return t, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*mapping.Template, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+templateColumns+" FROM mapping_templates WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	t, err := pgx.CollectOneRow(rows, scanTemplate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &t, nil
}

func (s *Store) DefaultTemplate(ctx context.Context, clientID int64, entityType string) (*mapping.Template, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+templateColumns+` FROM mapping_templates
WHERE is_default AND active AND entity_type = $2 AND client_id IN ($1, 0)
ORDER BY client_id DESC LIMIT 1`, clientID, entityType)
	if err != nil {
		return nil, fmt.Errorf("default template: %w", err)
	}
	t, err := pgx.CollectOneRow(rows, scanTemplate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("default template for %s: %w", entityType, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("default template: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTemplates(ctx context.Context, clientID int64, entityType string) ([]mapping.Template, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+templateColumns+` FROM mapping_templates
WHERE active AND client_id IN ($1, 0) AND ($2 = '' OR entity_type = $2)
ORDER BY client_id = 0, name`, clientID, entityType)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanTemplate)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return out, nil
}

// SaveTemplate upserts t by id in one transaction, clearing any other
// default of the same client and entity type first.
func (s *Store) SaveTemplate(ctx context.Context, t *mapping.Template) error {
	rules, err := json.Marshal(t.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	if t.Rules == nil {
		rules = []byte("[]")
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
			`UPDATE mapping_templates SET is_default = FALSE, updated_at = NOW()
WHERE client_id = $1 AND entity_type = $2 AND id <> $3 AND is_default`,
			t.ClientID, t.EntityType, t.ID); err != nil {
			return fmt.Errorf("clear default template: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO mapping_templates (id, name, description, client_id, entity_type, file_format, active, is_default, rules, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    client_id = EXCLUDED.client_id,
    entity_type = EXCLUDED.entity_type,
    file_format = EXCLUDED.file_format,
    active = EXCLUDED.active,
    is_default = EXCLUDED.is_default,
    rules = EXCLUDED.rules,
    updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Description, t.ClientID, t.EntityType, t.FileFormat,
		t.Active, t.Default, rules, t.CreatedAt, t.UpdatedAt); err != nil {
		return fmt.Errorf("save template: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit template: %w", err)
	}
	return nil
}
