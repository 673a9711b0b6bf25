// Package mapping resolves source columns to entity fields.
//
// A [Mapper] is built either from a stored [Template] or by auto-matching
// headers against the display labels of the registered entity types. It is
// immutable once built and safe to share between goroutines.
package mapping

import (
	"fmt"
	"strings"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/entity"
)

// Resolver resolves a (qualified or unqualified) field id. *entity.Builder
// satisfies it.
type Resolver interface {
	Primary() *entity.Type
	Resolve(fieldID string) (*entity.Type, entity.Field, bool)
}

type binding struct {
	source    string // header label as written in the file
	target    string // field id, possibly qualified
	typ       *entity.Type
	field     entity.Field
	required  bool
	def       string
	transform Transform
}

// Mapper turns a raw row (header -> value) into a mapped row (field id -> value).
type Mapper struct {
	origin   string
	primary  *entity.Type
	bindings []binding
}

// Origin describes where the mapping came from ("auto" or "template:<id>").
func (m *Mapper) Origin() string { return m.origin }

// Columns returns the source column -> target field pairs in rule order.
func (m *Mapper) Columns() [][2]string {
	out := make([][2]string, len(m.bindings))
	for i, b := range m.bindings {
		out[i] = [2]string{b.source, b.target}
	}
	return out
}

// FromTemplate compiles the active rules of tpl. Source columns are matched
// to headers case-insensitively. Unknown targets and transforms fail here,
// before any row is read.
func FromTemplate(tpl *Template, r Resolver, headers []string) (*Mapper, error) {
	if tpl.EntityType != "" && tpl.EntityType != r.Primary().Name {
		return nil, &core.MappingError{Reason: fmt.Sprintf("template %s targets %s, not %s", tpl.ID, tpl.EntityType, r.Primary().Name)}
	}

	index := headerIndex(headers)
	m := &Mapper{origin: "template:" + tpl.ID, primary: r.Primary()}
	for _, rule := range tpl.ActiveRules() {
		target := rule.Target()
		typ, field, ok := r.Resolve(target)
		if !ok {
			return nil, &core.MappingError{Field: target, Reason: "unknown target field"}
		}
		tf, err := CompileTransform(rule.Transform)
		if err != nil {
			return nil, &core.MappingError{Field: target, Reason: err.Error()}
		}
		source := rule.SourceColumn
		if h, ok := index[normalize(source)]; ok {
			source = h
		}
		m.bindings = append(m.bindings, binding{
			source:    source,
			target:    target,
			typ:       typ,
			field:     field,
			required:  rule.Required,
			def:       rule.DefaultValue,
			transform: tf,
		})
	}
	return m, nil
}

// Apply maps one row. Blank values take the rule default; a value still
// blank under a required rule is a MappingError naming the column. The first
// rule producing a value for a field wins, whether its target is qualified
// or not. The result may be empty.
func (m *Mapper) Apply(values map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(m.bindings))
	filled := make(map[fieldKey]bool, len(m.bindings))
	for _, b := range m.bindings {
		v := strings.TrimSpace(values[b.source])
		if v == "" {
			v = b.def
		}
		if v == "" {
			if b.required {
				return nil, &core.MappingError{Columns: []string{b.source}, Field: b.target, Reason: "required value is blank"}
			}
			continue
		}
		if b.transform != nil {
			t, err := b.transform(v)
			if err != nil {
				return nil, &core.MappingError{Columns: []string{b.source}, Field: b.target, Reason: err.Error()}
			}
			v = t
		}
		key := fieldKey{b.typ.Name, b.field.ID}
		if !filled[key] {
			filled[key] = true
			out[b.target] = v
		}
	}
	return out, nil
}

type fieldKey struct {
	typ, field string
}

// ValidateHeaders checks, before any row is read, that headers carry every
// column the primary entity needs: the source of each required rule on the
// primary type and a source for each required primary field. All missing
// columns are reported in one MappingError.
func (m *Mapper) ValidateHeaders(headers []string) error {
	index := headerIndex(headers)
	var missing []string
	seen := make(map[string]bool)
	add := func(col string) {
		if !seen[normalize(col)] {
			seen[normalize(col)] = true
			missing = append(missing, col)
		}
	}

	satisfied := make(map[string]bool)
	for _, b := range m.bindings {
		if b.typ != m.primary {
			continue
		}
		_, present := index[normalize(b.source)]
		if present || b.def != "" {
			satisfied[b.field.ID] = true
		} else if b.required {
			add(b.source)
		}
	}
	for _, f := range m.primary.Fields {
		if f.Required && !satisfied[f.ID] {
			add(m.sourceFor(f))
		}
	}

	if len(missing) > 0 {
		return &core.MappingError{Columns: missing}
	}
	return nil
}

// sourceFor names the column expected for a primary field: the mapped source
// when a rule targets it, else the field label.
func (m *Mapper) sourceFor(f entity.Field) string {
	for _, b := range m.bindings {
		if b.typ == m.primary && b.field.ID == f.ID {
			return b.source
		}
	}
	return f.Label
}

func headerIndex(headers []string) map[string]string {
	index := make(map[string]string, len(headers))
	for _, h := range headers {
		key := normalize(h)
		if _, dup := index[key]; !dup && key != "" {
			index[key] = h
		}
	}
	return index
}
