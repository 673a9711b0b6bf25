// Package export renders stored entities as downloadable CSV or XLSX
// artifacts.
//
// A primary entity and its attached children are flattened into one row per
// combination of child records (the reverse of what the entity builder does
// on import). Column labels are the field display labels, so an exported
// file re-imports through auto mapping.
package export

import (
	"time"

	"github.com/JonMunkholm/pricefeed/internal/entity"
)

// Column is one output column bound to a field of a primary or child type.
type Column struct {
	Type  *entity.Type
	Field entity.Field
	// Title overrides the field label as header.
	Title string
}

// ID returns the qualified field id ("region.stockAmount" for children).
func (c Column) ID() string {
	if c.Type.Secondary() {
		return c.Type.Namespace + "." + c.Field.ID
	}
	return c.Field.ID
}

// Label is the header text.
func (c Column) Label() string {
	if c.Title != "" {
		return c.Title
	}
	return c.Field.Label
}

// Matches reports whether name selects this column: the qualified id, the
// bare field id or the label, case-insensitively.
func (c Column) Matches(name string) bool {
	return equalFold(name, c.ID()) || equalFold(name, c.Field.ID) || equalFold(name, c.Field.Label)
}

// Text renders the cell of r, "" when the row has no entity of this type.
func (c Column) Text(r Row) string {
	e := r.parts[c.Type.Name]
	if e == nil {
		return ""
	}
	return c.Field.Format(e)
}

func (c Column) Float(r Row) (float64, bool) {
	e := r.parts[c.Type.Name]
	if e == nil {
		return 0, false
	}
	return c.Field.Float(e)
}

func (c Column) Time(r Row) (time.Time, bool) {
	e := r.parts[c.Type.Name]
	if e == nil {
		return time.Time{}, false
	}
	return c.Field.Time(e)
}

// Row is one output line: the primary entity plus at most one entity of
// each child type.
type Row struct {
	parts map[string]entity.Entity
}

// Entity returns the part of r of the named type, or nil.
func (r Row) Entity(typeName string) entity.Entity { return r.parts[typeName] }

// Dataset is the column set and rows handed to a format.
type Dataset struct {
	Columns []Column
	// Output, when set, lists the columns written, in order. Filters still
	// see every column.
	Output []Column
	Rows   []Row
}

// Written returns the columns a format writes.
func (d Dataset) Written() []Column {
	if d.Output != nil {
		return d.Output
	}
	return d.Columns
}

// Column returns the first column matching name.
func (d Dataset) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Matches(name) {
			return c, true
		}
	}
	return Column{}, false
}

// Expand flattens primaries of type primary into composite rows. Columns
// are the primary fields followed by the fields of every child type that
// has at least one record somewhere in the set. A primary expands into the
// cross product of its child lists; an empty list contributes one blank slot.
func Expand(primary *entity.Type, items []entity.Entity) Dataset {
	children := entity.Children(primary.Name)
	var used []*entity.Type
	for _, ct := range children {
		for _, e := range items {
			if len(ct.Children(e)) > 0 {
				used = append(used, ct)
				break
			}
		}
	}

	ds := Dataset{}
	for _, f := range primary.Fields {
		ds.Columns = append(ds.Columns, Column{Type: primary, Field: f})
	}
	for _, ct := range used {
		for _, f := range ct.Fields {
			ds.Columns = append(ds.Columns, Column{Type: ct, Field: f})
		}
	}

	for _, e := range items {
		combos := []map[string]entity.Entity{{primary.Name: e}}
		for _, ct := range used {
			kids := ct.Children(e)
			if len(kids) == 0 {
				continue
			}
			next := make([]map[string]entity.Entity, 0, len(combos)*len(kids))
			for _, base := range combos {
				for _, k := range kids {
					m := make(map[string]entity.Entity, len(base)+1)
					for name, part := range base {
						m[name] = part
					}
					m[ct.Name] = k
					next = append(next, m)
				}
			}
			combos = next
		}
		for _, parts := range combos {
			ds.Rows = append(ds.Rows, Row{parts: parts})
		}
	}
	return ds
}
