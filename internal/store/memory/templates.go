package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/pricefeed/internal/mapping"
)

type tplRow struct {
	tpl mapping.Template
}

type templates struct {
	mu   sync.RWMutex
	byID map[string]*tplRow
}

func cloneTemplate(t mapping.Template) mapping.Template {
	t.Rules = slices.Clone(t.Rules)
	return t
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*mapping.Template, error) {
	s.templates.mu.RLock()
	defer s.templates.mu.RUnlock()

	row, ok := s.templates.byID[id]
	if !ok {
		return nil, notFound("template", id)
	}
	t := cloneTemplate(row.tpl)
	return &t, nil
}

func (s *Store) DefaultTemplate(ctx context.Context, clientID int64, entityType string) (*mapping.Template, error) {
	s.templates.mu.RLock()
	defer s.templates.mu.RUnlock()

	var global *mapping.Template
	for _, row := range s.templates.byID {
		t := row.tpl
		if !t.Default || !t.Active || t.EntityType != entityType {
			continue
		}
		switch t.ClientID {
		case clientID:
			c := cloneTemplate(t)
			return &c, nil
		case 0:
			c := cloneTemplate(t)
			global = &c
		}
	}
	if global != nil {
		return global, nil
	}
	return nil, notFound("default template", entityType)
}

func (s *Store) ListTemplates(ctx context.Context, clientID int64, entityType string) ([]mapping.Template, error) {
	s.templates.mu.RLock()
	defer s.templates.mu.RUnlock()

	var out []mapping.Template
	for _, row := range s.templates.byID {
		t := row.tpl
		if !t.Active || (entityType != "" && t.EntityType != entityType) {
			continue
		}
		if t.ClientID == clientID || t.ClientID == 0 {
			out = append(out, cloneTemplate(t))
		}
	}
	// Client templates first, then by name.
	sort.Slice(out, func(i, j int) bool {
		if (out[i].ClientID == 0) != (out[j].ClientID == 0) {
			return out[i].ClientID != 0
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) SaveTemplate(ctx context.Context, t *mapping.Template) error {
	s.templates.mu.Lock()
	defer s.templates.mu.Unlock()

	now := time.Now()
	if t.ID == "" {
		t.ID = uuid.NewString()
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	if t.Default {
		for id, row := range s.templates.byID {
			if id != t.ID && row.tpl.ClientID == t.ClientID && row.tpl.EntityType == t.EntityType {
				row.tpl.Default = false
			}
		}
	}
	s.templates.byID[t.ID] = &tplRow{tpl: cloneTemplate(*t)}
	return nil
}
