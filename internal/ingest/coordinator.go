// Package ingest drives file imports: it streams rows from a format reader
// through a mapper and entity builder, and commits the resulting entities in
// batches, each in its own transaction.
package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/store"
)

// Coordinator persists one batch of heterogeneous entities atomically.
type Coordinator struct {
	store  store.Store
	policy store.Policy
}

func NewCoordinator(s store.Store, p store.Policy) *Coordinator {
	return &Coordinator{store: s, policy: p}
}

// Persist upserts entities grouped by type, parents before children, in a
// single transaction, and returns the number of rows the store accepted.
// Any failure rolls the whole batch back and is returned as a
// *core.PersistenceError carrying batch.
func (c *Coordinator) Persist(ctx context.Context, batch int, entities []entity.Entity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	groups, err := groupByType(entities)
	if err != nil {
		return 0, &core.PersistenceError{Batch: batch, Err: err}
	}

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return 0, &core.PersistenceError{Batch: batch, Err: err}
	}
	defer tx.Rollback(ctx)

	accepted := 0
	for _, g := range groups {
		n, err := tx.Upsert(ctx, g.typ, g.items, c.policy)
		if err != nil {
			return 0, &core.PersistenceError{Batch: batch, Err: err}
		}
		accepted += n
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, &core.PersistenceError{Batch: batch, Err: err}
	}
	return accepted, nil
}

type group struct {
	typ   *entity.Type
	items []entity.Entity
}

// groupByType keeps input order within a type and orders types by
// registration rank.
func groupByType(entities []entity.Entity) ([]group, error) {
	idx := make(map[string]int)
	var groups []group
	for _, e := range entities {
		name := e.TypeName()
		i, ok := idx[name]
		if !ok {
			t, found := entity.Get(name)
			if !found {
				return nil, fmt.Errorf("unknown entity type %q", name)
			}
			i = len(groups)
			idx[name] = i
			groups = append(groups, group{typ: t})
		}
		groups[i].items = append(groups[i].items, e)
	}
	sort.SliceStable(groups, func(a, b int) bool {
		return entity.Rank(groups[a].typ.Name) < entity.Rank(groups[b].typ.Name)
	})
	return groups, nil
}
