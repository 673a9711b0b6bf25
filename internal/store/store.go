// Package store defines the repository abstraction the pipeline persists
// through. Implementations live in store/postgres and store/memory.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/export/layout"
	"github.com/JonMunkholm/pricefeed/internal/mapping"
)

// Policy decides what an upsert does on a natural key collision.
type Policy int

const (
	// Overwrite replaces every non-key field of the stored record.
	Overwrite Policy = iota
	// Skip keeps the stored record; the incoming entity only receives its id.
	Skip
)

func (p Policy) String() string {
	if p == Skip {
		return "skip"
	}
	return "overwrite"
}

// ParsePolicy accepts "overwrite" (or "") and "skip".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overwrite":
		return Overwrite, nil
	case "skip":
		return Skip, nil
	}
	return Overwrite, fmt.Errorf("unknown duplicate policy %q", s)
}

// Query selects records of one type.
type Query struct {
	// ClientID scopes primary types.
	ClientID int64
	// ParentIDs restricts secondary types to these parents.
	ParentIDs []int64
}

// Record is a loaded entity plus the surrogate id of its parent (0 for primaries).
type Record struct {
	Entity   entity.Entity
	ParentID int64
}

// Store reads and writes entities.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// Find returns the records of t matching q, ordered by surrogate id.
	Find(ctx context.Context, t *entity.Type, q Query) ([]Record, error)
}

// Tx is one unit of work. Rollback after Commit is a no-op.
type Tx interface {
	// Upsert writes items of type t by natural key and assigns their surrogate
	// ids. Secondary items must reference a parent that already has an id.
	// It returns the number of rows the store accepted.
	Upsert(ctx context.Context, t *entity.Type, items []entity.Entity, p Policy) (int, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Repository is everything the service needs from a backend.
type Repository interface {
	Store
	core.OperationStore
	mapping.TemplateStore
	layout.Store
	Close()
}

// ParentID returns the surrogate id of a secondary entity's parent.
func ParentID(e entity.Entity) (int64, error) {
	c, ok := e.(entity.Child)
	if !ok || c.ParentEntity() == nil {
		return 0, fmt.Errorf("%s has no parent", e.TypeName())
	}
	id := c.ParentEntity().SurrogateID()
	if id == 0 {
		return 0, fmt.Errorf("%s parent is not persisted", e.TypeName())
	}
	return id, nil
}
