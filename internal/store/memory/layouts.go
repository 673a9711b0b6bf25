package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/pricefeed/internal/export/layout"
)

type layouts struct {
	mu   sync.RWMutex
	byID map[string]*layout.Template
}

func (s *Store) GetExportTemplate(ctx context.Context, id string) (*layout.Template, error) {
	s.layouts.mu.RLock()
	defer s.layouts.mu.RUnlock()

	t, ok := s.layouts.byID[id]
	if !ok {
		return nil, notFound("export template", id)
	}
	c := t.Clone()
	return &c, nil
}

func (s *Store) DefaultExportTemplate(ctx context.Context, clientID int64, entityType string) (*layout.Template, error) {
	s.layouts.mu.RLock()
	defer s.layouts.mu.RUnlock()

	var global *layout.Template
	for _, t := range s.layouts.byID {
		if !t.Default || t.EntityType != entityType {
			continue
		}
		switch t.ClientID {
		case clientID:
			c := t.Clone()
			return &c, nil
		case 0:
			c := t.Clone()
			global = &c
		}
	}
	if global != nil {
		return global, nil
	}
	return nil, notFound("default export template", entityType)
}

func (s *Store) ListExportTemplates(ctx context.Context, clientID int64, entityType string) ([]layout.Template, error) {
	s.layouts.mu.RLock()
	defer s.layouts.mu.RUnlock()

	var out []layout.Template
	for _, t := range s.layouts.byID {
		if t.VisibleTo(clientID) && (entityType == "" || t.EntityType == entityType) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].ClientID == 0) != (out[j].ClientID == 0) {
			return out[i].ClientID != 0
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) SaveExportTemplate(ctx context.Context, t *layout.Template) error {
	s.layouts.mu.Lock()
	defer s.layouts.mu.Unlock()

	now := time.Now()
	if t.ID == "" {
		t.ID = uuid.NewString()
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	if t.Default {
		for id, other := range s.layouts.byID {
			if id != t.ID && other.ClientID == t.ClientID && other.EntityType == t.EntityType {
				other.Default = false
			}
		}
	}
	c := t.Clone()
	s.layouts.byID[t.ID] = &c
	return nil
}

func (s *Store) DeleteExportTemplate(ctx context.Context, id string) error {
	s.layouts.mu.Lock()
	defer s.layouts.mu.Unlock()

	if _, ok := s.layouts.byID[id]; !ok {
		return notFound("export template", id)
	}
	delete(s.layouts.byID, id)
	return nil
}
