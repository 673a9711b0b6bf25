package mapping

import (
	"context"
	"sort"
	"strings"
	"time"
)

// TemplateMatchThreshold is the minimum header match score for a stored
// template to be picked automatically (70% of its source columns present).
const TemplateMatchThreshold = 0.7

// Rule maps one source column to one target field.
type Rule struct {
	SourceColumn string `json:"sourceColumn"`
	// TargetField is a field id, optionally qualified ("region.stockAmount").
	TargetField string `json:"targetField"`
	// TargetSubEntity is the namespace of a secondary type; empty targets the primary.
	TargetSubEntity string `json:"targetSubEntity,omitempty"`
	Required        bool   `json:"required"`
	DefaultValue    string `json:"defaultValue,omitempty"`
	// Transform is a "|"-chained transform spec, e.g. "trim|uppercase".
	Transform string `json:"transform,omitempty"`
	Order     int    `json:"order"`
	Active    bool   `json:"active"`
}

// Target returns the qualified target field id.
func (r Rule) Target() string {
	if r.TargetSubEntity == "" || strings.Contains(r.TargetField, ".") {
		return r.TargetField
	}
	return r.TargetSubEntity + "." + r.TargetField
}

// Template is a saved, ordered set of rules for one entity type.
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ClientID    int64     `json:"clientId"` // 0 for global templates
	EntityType  string    `json:"entityType"`
	FileFormat  string    `json:"fileFormat,omitempty"`
	Active      bool      `json:"active"`
	Default     bool      `json:"default"`
	Rules       []Rule    `json:"rules"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ActiveRules returns the active rules sorted by Order.
func (t *Template) ActiveRules() []Rule {
	out := make([]Rule, 0, len(t.Rules))
	for _, r := range t.Rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// SourceColumns returns the distinct source columns of the active rules.
func (t *Template) SourceColumns() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range t.ActiveRules() {
		key := normalize(r.SourceColumn)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r.SourceColumn)
	}
	return out
}

// TemplateStore persists mapping templates. Templates are read-only during a run.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*Template, error)
	// DefaultTemplate returns the client's default for entityType, falling
	// back to the global default. core.ErrNotFound when neither exists.
	DefaultTemplate(ctx context.Context, clientID int64, entityType string) (*Template, error)
	// ListTemplates returns the client's and the global active templates.
	ListTemplates(ctx context.Context, clientID int64, entityType string) ([]Template, error)
	// SaveTemplate inserts or replaces t. Saving a default clears the
	// previous default of the same client and entity type.
	SaveTemplate(ctx context.Context, t *Template) error
}

// Match is a stored template scored against a header set.
type Match struct {
	Template Template `json:"template"`
	Score    float64  `json:"score"`
}

// MatchTemplates scores every template against headers and returns those at
// or above the threshold, best first.
func MatchTemplates(headers []string, templates []Template) []Match {
	var matches []Match
	for _, t := range templates {
		if !t.Active {
			continue
		}
		score := matchHeaders(headers, t.SourceColumns())
		if score >= TemplateMatchThreshold {
			matches = append(matches, Match{Template: t, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

// BestTemplate returns the best-matching template or nil.
func BestTemplate(headers []string, templates []Template) *Template {
	matches := MatchTemplates(headers, templates)
	if len(matches) == 0 {
		return nil
	}
	return &matches[0].Template
}

// matchHeaders returns the share of template columns present in headers.
func matchHeaders(headers, columns []string) float64 {
	if len(columns) == 0 {
		return 0
	}
	set := make(map[string]bool, len(headers))
	for _, h := range headers {
		set[normalize(h)] = true
	}
	matched := 0
	for _, c := range columns {
		if set[normalize(c)] {
			matched++
		}
	}
	return float64(matched) / float64(len(columns))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
