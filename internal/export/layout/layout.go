// Package layout describes saved export layouts: which fields an export
// writes, in which order and under which headers, together with the format
// and processing defaults applied when a request leaves them out.
package layout

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

// Field selects one output column. Name is a qualified field id
// ("region.stockAmount"), a bare field id or a field label. DisplayName
// replaces the header when set.
type Field struct {
	Name        string `json:"field"`
	DisplayName string `json:"displayName,omitempty"`
}

// Template is a named, ordered field selection for one primary entity type.
// ClientID 0 makes it visible to every client.
type Template struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	ClientID    int64       `json:"clientId"`
	EntityType  string      `json:"entityType"`
	Fields      []Field     `json:"fields"`
	Format      string      `json:"format,omitempty"`
	StrategyID  string      `json:"strategyId,omitempty"`
	Options     core.Params `json:"options,omitempty"`
	Default     bool        `json:"isDefault"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy of t.
func (t Template) Clone() Template {
	t.Fields = slices.Clone(t.Fields)
	t.Options = maps.Clone(t.Options)
	return t
}

// VisibleTo reports whether clientID may use t.
func (t *Template) VisibleTo(clientID int64) bool {
	return t.ClientID == 0 || t.ClientID == clientID
}

// Apply layers req over the template defaults: options first, then the
// entity type and strategy, then the request itself.
func (t *Template) Apply(req core.Params) core.Params {
	out := make(core.Params, len(t.Options)+len(req)+2)
	maps.Copy(out, t.Options)
	if t.EntityType != "" {
		out[core.ParamEntityType] = t.EntityType
	}
	if t.StrategyID != "" {
		out[core.ParamProcessingStrategy] = t.StrategyID
	}
	maps.Copy(out, req)
	return out
}

// ParseFields reads a comma-separated selection. Each entry is a field name,
// optionally followed by ":" and a display name.
//
//	productId:SKU, basePrice, region.stockAmount:Stock
func ParseFields(s string) []Field {
	var out []Field
	for _, part := range strings.Split(s, ",") {
		name, display, _ := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, Field{Name: name, DisplayName: strings.TrimSpace(display)})
	}
	return out
}

// Store persists export templates.
type Store interface {
	GetExportTemplate(ctx context.Context, id string) (*Template, error)
	// DefaultExportTemplate returns the client's default for entityType,
	// falling back to the global default.
	DefaultExportTemplate(ctx context.Context, clientID int64, entityType string) (*Template, error)
	ListExportTemplates(ctx context.Context, clientID int64, entityType string) ([]Template, error)
	// SaveExportTemplate assigns an id when empty. Saving a default clears
	// the previous default of the same client and entity type.
	SaveExportTemplate(ctx context.Context, t *Template) error
	DeleteExportTemplate(ctx context.Context, id string) error
}
