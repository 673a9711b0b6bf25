// Package entity describes the domain entities a file row can populate.
//
// Each entity variant registers a [Type]: a table of [Field] descriptors
// (id, display label, store column, accessor pair) plus its natural key and
// relationship to a parent type. The same table drives population from
// mapped rows, self-validation, auto-matching labels, the generic field copy
// used by upserts, store SQL and export columns.
//
// Variants are registered at startup from package catalog:
//
//	import _ "github.com/JonMunkholm/pricefeed/internal/entity/catalog"
package entity

// Entity is any domain record the pipeline can import or export.
type Entity interface {
	// TypeName returns the registered Type name of the variant.
	TypeName() string
	// SurrogateID returns the store-assigned identifier, 0 when unsaved.
	SurrogateID() int64
	// AssignID records the store-assigned identifier.
	AssignID(id int64)
}

// Child is an entity that belongs to a parent entity.
type Child interface {
	Entity
	ParentEntity() Entity
	SetParent(parent Entity)
}

// Scoped is an entity owned by a client scope.
type Scoped interface {
	Entity
	Scope() int64
	SetScope(clientID int64)
}

// Base carries the surrogate identifier. Embed it in entity structs.
type Base struct {
	ID int64 `json:"id,omitempty"`
}

func (b *Base) SurrogateID() int64 { return b.ID }

func (b *Base) AssignID(id int64) { b.ID = id }
