package entity

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

// Type is the descriptor table of one entity variant.
type Type struct {
	// Name identifies the variant ("product", "region", ...).
	Name string
	// Label is the human-readable name.
	Label string
	// Namespace prefixes qualified field ids of secondary types ("region.stockAmount").
	// Empty for primary types.
	Namespace string
	// Table is the store table.
	Table string
	// Parent names the owning type of a secondary variant.
	Parent string
	// ParentColumn is the store column referencing the parent's surrogate id.
	ParentColumn string
	// ScopeColumn is the store column holding the client scope of a primary variant.
	ScopeColumn string
	// NaturalKey lists the field ids that identify a record within its scope or parent.
	NaturalKey []string
	// Fields in declaration order. Export columns follow this order.
	Fields []Field

	// New constructs an empty instance.
	New func() Entity
	// Children returns the instances of this (secondary) type attached to parent.
	Children func(parent Entity) []Entity
	// Attach appends child to parent's relation list for this type.
	Attach func(parent, child Entity)
}

// Field returns the descriptor for id.
func (t *Type) Field(id string) (Field, bool) {
	for _, f := range t.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Labels returns the field id -> display label table used for auto-matching.
func (t *Type) Labels() map[string]string {
	out := make(map[string]string, len(t.Fields))
	for _, f := range t.Fields {
		out[f.ID] = f.Label
	}
	return out
}

// IsKey reports whether id is part of the natural key.
func (t *Type) IsKey(id string) bool {
	return slices.Contains(t.NaturalKey, id)
}

// KeyFields returns the natural key descriptors in key order.
func (t *Type) KeyFields() []Field {
	out := make([]Field, 0, len(t.NaturalKey))
	for _, id := range t.NaturalKey {
		if f, ok := t.Field(id); ok {
			out = append(out, f)
		}
	}
	return out
}

// MutableFields returns every field that is not part of the natural key.
func (t *Type) MutableFields() []Field {
	out := make([]Field, 0, len(t.Fields))
	for _, f := range t.Fields {
		if !t.IsKey(f.ID) {
			out = append(out, f)
		}
	}
	return out
}

// Secondary reports whether the variant belongs to a parent.
func (t *Type) Secondary() bool { return t.Parent != "" }

// Populate sets every field present in values (keyed by unqualified field id).
// Unknown ids are ignored. The first parse failure is returned as a ValidationError.
func (t *Type) Populate(e Entity, values map[string]string) error {
	for _, f := range t.Fields {
		raw, ok := values[f.ID]
		if !ok {
			continue
		}
		if err := f.Set(e, raw); err != nil {
			return &core.ValidationError{Entity: t.Name, Field: f.ID, Value: raw, Message: err.Error()}
		}
	}
	return nil
}

// Validate checks required fields and the parent link. It returns the first failure.
func (t *Type) Validate(e Entity) error {
	for _, f := range t.Fields {
		if f.Required && !f.Present(e) {
			return &core.ValidationError{Entity: t.Name, Field: f.ID, Message: f.Label + " is required"}
		}
	}
	if t.Secondary() {
		c, ok := e.(Child)
		if !ok || c.ParentEntity() == nil {
			return &core.ValidationError{Entity: t.Name, Field: t.Parent, Message: "has no " + t.Parent}
		}
	}
	return nil
}

// KeyOf renders the natural key of e, prefixed with its scope or parent id.
// Instances of one type with equal KeyOf are the same stored record.
func (t *Type) KeyOf(e Entity) string {
	var b strings.Builder
	switch v := e.(type) {
	case Child:
		if p := v.ParentEntity(); p != nil {
			fmt.Fprintf(&b, "p%d", p.SurrogateID())
		}
	case Scoped:
		fmt.Fprintf(&b, "s%d", v.Scope())
	}
	for _, f := range t.KeyFields() {
		b.WriteByte(0x1f)
		b.WriteString(strings.ToLower(f.Format(e)))
	}
	return b.String()
}

// Copy overwrites every non-key field of dst with the value from src.
// Surrogate ids, scope and relationships are left untouched.
func Copy(dst, src Entity) error {
	if dst.TypeName() != src.TypeName() {
		return fmt.Errorf("copy %s into %s", src.TypeName(), dst.TypeName())
	}
	t, ok := Get(src.TypeName())
	if !ok {
		return fmt.Errorf("unknown entity type %q", src.TypeName())
	}
	for _, f := range t.MutableFields() {
		f.copy(dst, src)
	}
	return nil
}

// Clone returns a detached instance of e carrying every field value, the
// surrogate id and the scope. Relationships are not cloned.
func Clone(e Entity) (Entity, error) {
	t, ok := Get(e.TypeName())
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", e.TypeName())
	}
	out := t.New()
	for _, f := range t.Fields {
		f.copy(out, e)
	}
	out.AssignID(e.SurrogateID())
	if s, ok := e.(Scoped); ok {
		if d, ok := out.(Scoped); ok {
			d.SetScope(s.Scope())
		}
	}
	return out, nil
}

// =============================================================================
// Registry
// =============================================================================

var (
	mu    sync.RWMutex
	types = make(map[string]*Type)
	order []string
)

// Register adds a type to the registry.
// Panics on duplicate names, missing constructors or unknown parents, so
// misconfiguration fails at startup. Parents must be registered first.
func Register(t Type) {
	mu.Lock()
	defer mu.Unlock()

	if t.Name == "" || t.New == nil {
		panic("entity: type requires Name and New")
	}
	if _, exists := types[t.Name]; exists {
		panic(fmt.Sprintf("entity: duplicate type registration: %s", t.Name))
	}
	if t.Parent != "" {
		if _, ok := types[t.Parent]; !ok {
			panic(fmt.Sprintf("entity: %s registered before its parent %s", t.Name, t.Parent))
		}
		if t.Namespace == "" || t.Children == nil || t.Attach == nil {
			panic(fmt.Sprintf("entity: secondary type %s requires Namespace, Children and Attach", t.Name))
		}
	}
	for _, id := range t.NaturalKey {
		if _, ok := t.Field(id); !ok {
			panic(fmt.Sprintf("entity: %s natural key names unknown field %s", t.Name, id))
		}
	}

	types[t.Name] = &t
	order = append(order, t.Name)
}

// Get returns a type by name.
func Get(name string) (*Type, bool) {
	mu.RLock()
	defer mu.RUnlock()
	t, ok := types[name]
	return t, ok
}

// All returns every type in registration order, parents before children.
func All() []*Type {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]*Type, 0, len(order))
	for _, name := range order {
		out = append(out, types[name])
	}
	return out
}

// Children returns the secondary types of parent in registration order.
func Children(parent string) []*Type {
	var out []*Type
	for _, t := range All() {
		if t.Parent == parent {
			out = append(out, t)
		}
	}
	return out
}

// Rank returns the registration index of a type, used to order persistence.
func Rank(name string) int {
	mu.RLock()
	defer mu.RUnlock()
	return slices.Index(order, name)
}

// SetNaturalKey replaces the natural key of a registered type.
// Call at startup, before any job runs.
func SetNaturalKey(name string, fieldIDs []string) error {
	mu.Lock()
	defer mu.Unlock()

	t, ok := types[name]
	if !ok {
		return fmt.Errorf("unknown entity type %q", name)
	}
	if len(fieldIDs) == 0 {
		return fmt.Errorf("natural key of %s must name at least one field", name)
	}
	for _, id := range fieldIDs {
		if _, ok := t.Field(id); !ok {
			return fmt.Errorf("natural key of %s names unknown field %q", name, id)
		}
	}
	t.NaturalKey = slices.Clone(fieldIDs)
	return nil
}
