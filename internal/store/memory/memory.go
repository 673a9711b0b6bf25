// Package memory is an in-process implementation of the store interfaces,
// used by tests and the STORE_DRIVER=memory development mode.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/export/layout"
	"github.com/JonMunkholm/pricefeed/internal/store"
)

type stored struct {
	e        entity.Entity
	parentID int64
	key      string
}

type table struct {
	rows  map[int64]*stored
	byKey map[string]int64
}

// Store keeps entities, operations and templates in maps. Transactions are
// serialised; an undo log reverts a rolled back transaction.
type Store struct {
	txMu   sync.Mutex // held for the lifetime of an entity transaction
	mu     sync.RWMutex
	nextID int64
	tables map[string]*table

	// FailUpsert, when set, is consulted for every upserted item. A non-nil
	// error aborts the Upsert call.
	FailUpsert func(t *entity.Type, e entity.Entity) error

	ops       operations
	templates templates
	layouts   layouts
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tables:    make(map[string]*table),
		ops:       operations{byID: make(map[string]*opRow)},
		templates: templates{byID: make(map[string]*tplRow)},
		layouts:   layouts{byID: make(map[string]*layout.Template)},
	}
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) table(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[int64]*stored), byKey: make(map[string]int64)}
		s.tables[name] = t
	}
	return t
}

// Begin starts a transaction. It blocks while another one is open.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &tx{s: s}, nil
}

// Find returns clones of the stored records ordered by id.
func (s *Store) Find(ctx context.Context, t *entity.Type, q store.Query) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbl, ok := s.tables[t.Name]
	if !ok {
		return nil, nil
	}
	ids := make([]int64, 0, len(tbl.rows))
	for id, row := range tbl.rows {
		if t.Secondary() {
			if !slices.Contains(q.ParentIDs, row.parentID) {
				continue
			}
		} else if sc, ok := row.e.(entity.Scoped); ok && sc.Scope() != q.ClientID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]store.Record, 0, len(ids))
	for _, id := range ids {
		row := tbl.rows[id]
		e, err := entity.Clone(row.e)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Record{Entity: e, ParentID: row.parentID})
	}
	return out, nil
}

// Count returns the number of stored records of a type.
func (s *Store) Count(typeName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tbl, ok := s.tables[typeName]; ok {
		return len(tbl.rows)
	}
	return 0
}

type tx struct {
	s    *Store
	undo []func()
	done bool
}

func (x *tx) Upsert(ctx context.Context, t *entity.Type, items []entity.Entity, p store.Policy) (int, error) {
	if x.done {
		return 0, errors.New("transaction already closed")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	x.s.mu.Lock()
	defer x.s.mu.Unlock()

	tbl := x.s.table(t.Name)
	accepted := 0
	for _, item := range items {
		if x.s.FailUpsert != nil {
			if err := x.s.FailUpsert(t, item); err != nil {
				return accepted, err
			}
		}
		var parentID int64
		if t.Secondary() {
			id, err := store.ParentID(item)
			if err != nil {
				return accepted, err
			}
			parentID = id
		}

		key := t.KeyOf(item)
		if id, exists := tbl.byKey[key]; exists {
			row := tbl.rows[id]
			item.AssignID(id)
			if p == store.Skip {
				continue
			}
			backup, err := entity.Clone(row.e)
			if err != nil {
				return accepted, err
			}
			if err := entity.Copy(row.e, item); err != nil {
				return accepted, err
			}
			x.undo = append(x.undo, func() { _ = entity.Copy(row.e, backup) })
			accepted++
			continue
		}

		clone, err := entity.Clone(item)
		if err != nil {
			return accepted, err
		}
		x.s.nextID++
		id := x.s.nextID
		clone.AssignID(id)
		item.AssignID(id)
		tbl.rows[id] = &stored{e: clone, parentID: parentID, key: key}
		tbl.byKey[key] = id
		x.undo = append(x.undo, func() {
			delete(tbl.rows, id)
			delete(tbl.byKey, key)
		})
		accepted++
	}
	return accepted, nil
}

func (x *tx) Commit(ctx context.Context) error {
	if x.done {
		return errors.New("transaction already closed")
	}
	x.done = true
	x.undo = nil
	x.s.txMu.Unlock()
	return nil
}

func (x *tx) Rollback(ctx context.Context) error {
	if x.done {
		return nil
	}
	x.done = true
	x.s.mu.Lock()
	for i := len(x.undo) - 1; i >= 0; i-- {
		x.undo[i]()
	}
	x.s.mu.Unlock()
	x.undo = nil
	x.s.txMu.Unlock()
	return nil
}

// compile-time check
var _ store.Repository = (*Store)(nil)

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, errNotFound)
}
