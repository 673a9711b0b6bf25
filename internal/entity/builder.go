package entity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

// Builder turns one mapped row into a graph fragment: a primary entity plus
// at most one instance of each secondary type, linked to the primary.
//
// A Builder is stateful and not safe for concurrent use. Use one per run and
// call Reset between rows.
type Builder struct {
	primary  *Type
	children []*Type
	scope    int64
	targets  map[string]target

	current     Entity
	secondaries []Entity // indexed like children
	err         error
}

type target struct {
	typ   *Type
	index int // -1 for the primary, else index into children
	field Field
}

// NewBuilder creates a builder for the named primary type and its secondaries.
func NewBuilder(primary string, clientID int64) (*Builder, error) {
	pt, ok := Get(primary)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", primary)
	}
	if pt.Secondary() {
		return nil, fmt.Errorf("entity type %q is not a primary type", primary)
	}

	b := &Builder{
		primary:  pt,
		children: Children(pt.Name),
		scope:    clientID,
		targets:  make(map[string]target),
	}
	for _, f := range pt.Fields {
		b.targets[f.ID] = target{typ: pt, index: -1, field: f}
		b.targets[pt.Name+"."+f.ID] = target{typ: pt, index: -1, field: f}
	}
	for i, ct := range b.children {
		for _, f := range ct.Fields {
			b.targets[ct.Namespace+"."+f.ID] = target{typ: ct, index: i, field: f}
			if _, taken := b.targets[f.ID]; !taken {
				b.targets[f.ID] = target{typ: ct, index: i, field: f}
			}
		}
	}
	b.secondaries = make([]Entity, len(b.children))
	return b, nil
}

// Primary returns the primary type the builder produces.
func (b *Builder) Primary() *Type { return b.primary }

// Resolve returns the type and field a (qualified or unqualified) field id targets.
func (b *Builder) Resolve(fieldID string) (*Type, Field, bool) {
	t, ok := b.targets[fieldID]
	if !ok {
		return nil, Field{}, false
	}
	return t.typ, t.field, true
}

// ApplyRow distributes a mapped row (field id -> value) over the primary and
// secondary entities. Blank values are ignored, so a secondary entity only
// exists when at least one of its fields is non-blank. It reports whether any
// entity received data. Parse failures are kept for Validate.
func (b *Builder) ApplyRow(row map[string]string) bool {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	applied := false
	for _, k := range keys {
		raw := row[k]
		if strings.TrimSpace(raw) == "" {
			continue
		}
		t, ok := b.targets[k]
		if !ok {
			continue
		}
		e := b.instance(t)
		applied = true
		if err := t.field.Set(e, raw); err != nil && b.err == nil {
			b.err = &core.ValidationError{Entity: t.typ.Name, Field: t.field.ID, Value: raw, Message: err.Error()}
		}
	}
	return applied
}

func (b *Builder) instance(t target) Entity {
	if t.index < 0 {
		if b.current == nil {
			b.current = b.primary.New()
			if s, ok := b.current.(Scoped); ok {
				s.SetScope(b.scope)
			}
		}
		return b.current
	}
	if b.secondaries[t.index] == nil {
		b.secondaries[t.index] = t.typ.New()
	}
	return b.secondaries[t.index]
}

// Validate returns the first failure across the accumulated entities:
// a parse failure, a missing required field, or secondary data without a
// primary entity.
func (b *Builder) Validate() error {
	if b.err != nil {
		return b.err
	}
	hasSecondary := false
	for _, s := range b.secondaries {
		if s != nil {
			hasSecondary = true
			break
		}
	}
	if b.current == nil {
		if hasSecondary {
			return &core.ValidationError{Entity: b.primary.Name, Message: "row has related data but no " + b.primary.Label}
		}
		return nil
	}
	if err := b.primary.Validate(b.current); err != nil {
		return err
	}
	for i, s := range b.secondaries {
		if s == nil {
			continue
		}
		for _, f := range b.children[i].Fields {
			if f.Required && !f.Present(s) {
				return &core.ValidationError{Entity: b.children[i].Name, Field: f.ID, Message: f.Label + " is required"}
			}
		}
	}
	return nil
}

// Build returns the entities of the current row, primary first, with every
// secondary linked to the primary. It returns nil for an empty row.
func (b *Builder) Build() []Entity {
	if b.current == nil {
		return nil
	}
	out := []Entity{b.current}
	for _, s := range b.secondaries {
		if s == nil {
			continue
		}
		if c, ok := s.(Child); ok {
			c.SetParent(b.current)
		}
		out = append(out, s)
	}
	return out
}

// Reset clears state for the next row.
func (b *Builder) Reset() {
	b.current = nil
	for i := range b.secondaries {
		b.secondaries[i] = nil
	}
	b.err = nil
}
