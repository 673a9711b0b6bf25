package export

import (
	"strings"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/export/layout"
)

// Columns returns every column an export of primary can write: the primary
// fields followed by the fields of each child type.
func Columns(primary *entity.Type) []Column {
	var out []Column
	for _, f := range primary.Fields {
		out = append(out, Column{Type: primary, Field: f})
	}
	for _, ct := range entity.Children(primary.Name) {
		for _, f := range ct.Fields {
			out = append(out, Column{Type: ct, Field: f})
		}
	}
	return out
}

// Resolve binds fields to columns of primary, in order, with their display
// names as titles. Names are matched against every column, so a child type
// without records still yields a blank column.
func Resolve(primary *entity.Type, fields []layout.Field) ([]Column, error) {
	all := Columns(primary)
	out := make([]Column, 0, len(fields))
	for _, f := range fields {
		c, ok := match(all, f.Name)
		if !ok {
			return nil, &core.ValidationError{Entity: "export", Field: f.Name, Message: "unknown field for " + primary.Name}
		}
		c.Title = strings.TrimSpace(f.DisplayName)
		out = append(out, c)
	}
	return out, nil
}

// match prefers an exact qualified id over a bare id or label.
func match(cols []Column, name string) (Column, bool) {
	for _, c := range cols {
		if equalFold(name, c.ID()) {
			return c, true
		}
	}
	for _, c := range cols {
		if c.Matches(name) {
			return c, true
		}
	}
	return Column{}, false
}

// Select narrows the written columns of ds to fields. No fields keeps ds
// as is.
func Select(primary *entity.Type, ds Dataset, fields []layout.Field) (Dataset, error) {
	if len(fields) == 0 {
		return ds, nil
	}
	cols, err := Resolve(primary, fields)
	if err != nil {
		return ds, err
	}
	ds.Output = cols
	return ds, nil
}

// ValidateTemplate checks that t names a primary entity type, selects at
// least one known field and, when set, a supported format.
func (e *Engine) ValidateTemplate(t *layout.Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return &core.ValidationError{Entity: "export template", Field: "name", Message: "is required"}
	}
	primary, ok := entity.Get(t.EntityType)
	if !ok || primary.Secondary() {
		return &core.ValidationError{Entity: "export template", Field: "entityType", Value: t.EntityType, Message: "is not a primary entity type"}
	}
	if len(t.Fields) == 0 {
		return &core.ValidationError{Entity: "export template", Field: "fields", Message: "at least one field is required"}
	}
	if _, err := Resolve(primary, t.Fields); err != nil {
		return err
	}
	if t.Format != "" && !e.Supports(t.Format) {
		return &core.ExportError{Format: t.Format}
	}
	return nil
}

// FieldInfo describes one selectable export field.
type FieldInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"entityType"`
	Kind  string `json:"kind"`
}

// Fields lists the selectable fields of primary in default column order.
func Fields(primary *entity.Type) []FieldInfo {
	cols := Columns(primary)
	out := make([]FieldInfo, len(cols))
	for i, c := range cols {
		out[i] = FieldInfo{ID: c.ID(), Label: c.Field.Label, Type: c.Type.Name, Kind: c.Field.Kind.String()}
	}
	return out
}
