package mapping_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/entity/catalog"
	"github.com/JonMunkholm/pricefeed/internal/mapping"
)

func resolver(t *testing.T) *entity.Builder {
	t.Helper()
	b, err := entity.NewBuilder(catalog.ProductType, 1)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	return b
}

func skuTemplate() *mapping.Template {
	return &mapping.Template{
		ID:         "t1",
		EntityType: catalog.ProductType,
		Active:     true,
		Rules: []mapping.Rule{
			{SourceColumn: "stock", TargetField: "stockAmount", TargetSubEntity: "region", Order: 3, Active: true},
			{SourceColumn: "sku", TargetField: "productId", Required: true, Order: 0, Active: true},
			{SourceColumn: "price", TargetField: "basePrice", Transform: "number", Order: 1, Active: true},
			{SourceColumn: "region", TargetField: "region", TargetSubEntity: "region", Order: 2, Active: true},
			{SourceColumn: "legacy", TargetField: "productName", Active: false},
		},
	}
}

// =============================================================================
// Template mapping
// =============================================================================

func TestFromTemplate_Apply(t *testing.T) {
	headers := []string{"SKU", "price", "region", "stock"}
	m, err := mapping.FromTemplate(skuTemplate(), resolver(t), headers)
	if err != nil {
		t.Fatalf("FromTemplate() error = %v", err)
	}
	if err := m.ValidateHeaders(headers); err != nil {
		t.Fatalf("ValidateHeaders() error = %v", err)
	}

	got, err := m.Apply(map[string]string{"SKU": " A1 ", "price": "1 234,50", "region": "EU", "stock": "10"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	want := map[string]string{
		"productId":          "A1",
		"basePrice":          "1234.50",
		"region.region":      "EU",
		"region.stockAmount": "10",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Apply()[%s] = %q, want %q", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Errorf("Apply() = %v, want %d entries", got, len(want))
	}
	if cols := m.Columns(); cols[0][0] != "SKU" {
		t.Errorf("first column = %v, want rules in order with header casing", cols[0])
	}
}

func TestApply_RowLevelErrors(t *testing.T) {
	tests := []struct {
		name    string
		row     map[string]string
		wantCol string
	}{
		{"required blank", map[string]string{"sku": " ", "price": "1"}, "sku"},
		{"transform failure", map[string]string{"sku": "A1", "price": "cheap"}, "price"},
	}

	m, err := mapping.FromTemplate(skuTemplate(), resolver(t), []string{"sku", "price"})
	if err != nil {
		t.Fatalf("FromTemplate() error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Apply(tt.row)
			var me *core.MappingError
			if !errors.As(err, &me) {
				t.Fatalf("Apply() error = %v, want MappingError", err)
			}
			if len(me.Columns) != 1 || me.Columns[0] != tt.wantCol {
				t.Errorf("Columns = %v, want [%s]", me.Columns, tt.wantCol)
			}
		})
	}
}

func TestApply_DefaultAndFirstSourceWins(t *testing.T) {
	tpl := &mapping.Template{Active: true, Rules: []mapping.Rule{
		{SourceColumn: "id", TargetField: "productId", Required: true, DefaultValue: "UNKNOWN", Active: true, Order: 0},
		{SourceColumn: "title", TargetField: "productName", Active: true, Order: 1},
		{SourceColumn: "name", TargetField: "productName", Active: true, Order: 2},
	}}
	m, err := mapping.FromTemplate(tpl, resolver(t), []string{"id", "title", "name"})
	if err != nil {
		t.Fatalf("FromTemplate() error = %v", err)
	}

	got, err := m.Apply(map[string]string{"id": "", "title": "", "name": "Widget"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got["productId"] != "UNKNOWN" || got["productName"] != "Widget" {
		t.Errorf("Apply() = %v", got)
	}

	got, _ = m.Apply(map[string]string{"id": "A1", "title": "First", "name": "Second"})
	if got["productName"] != "First" {
		t.Errorf("productName = %q, want the first rule's value", got["productName"])
	}
}

func TestApply_QualifiedAndBareTargetShareField(t *testing.T) {
	tpl := &mapping.Template{Active: true, Rules: []mapping.Rule{
		{SourceColumn: "sku", TargetField: "productId", Required: true, Active: true, Order: 0},
		{SourceColumn: "eu stock", TargetField: "stockAmount", TargetSubEntity: "region", Active: true, Order: 1},
		{SourceColumn: "stock", TargetField: "stockAmount", Active: true, Order: 2},
	}}
	m, err := mapping.FromTemplate(tpl, resolver(t), []string{"sku", "eu stock", "stock"})
	if err != nil {
		t.Fatalf("FromTemplate() error = %v", err)
	}

	got, err := m.Apply(map[string]string{"sku": "A1", "eu stock": "10", "stock": "99"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(got) != 2 || got["region.stockAmount"] != "10" {
		t.Errorf("Apply() = %v, want only region.stockAmount=10 beside productId", got)
	}

	got, _ = m.Apply(map[string]string{"sku": "A1", "eu stock": "", "stock": "99"})
	if got["stockAmount"] != "99" || got["region.stockAmount"] != "" {
		t.Errorf("Apply() with blank first source = %v, want the second rule's value", got)
	}
}

func TestFromTemplate_CompileErrors(t *testing.T) {
	tests := []struct {
		name string
		rule mapping.Rule
	}{
		{"unknown field", mapping.Rule{SourceColumn: "x", TargetField: "colour", Active: true}},
		{"unknown transform", mapping.Rule{SourceColumn: "x", TargetField: "productName", Transform: "trim|shout", Active: true}},
		{"bad replace", mapping.Rule{SourceColumn: "x", TargetField: "productName", Transform: "replace:", Active: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := &mapping.Template{Active: true, Rules: []mapping.Rule{tt.rule}}
			_, err := mapping.FromTemplate(tpl, resolver(t), []string{"x"})
			var me *core.MappingError
			if !errors.As(err, &me) {
				t.Errorf("FromTemplate() error = %v, want MappingError", err)
			}
		})
	}
}

// =============================================================================
// Header pre-pass
// =============================================================================

func TestValidateHeaders_ReportsEveryMissingColumn(t *testing.T) {
	tpl := &mapping.Template{Active: true, Rules: []mapping.Rule{
		{SourceColumn: "sku", TargetField: "productId", Active: true},
		{SourceColumn: "brand", TargetField: "productBrand", Required: true, Active: true},
		{SourceColumn: "price", TargetField: "basePrice", Active: true},
		{SourceColumn: "region", TargetField: "region", TargetSubEntity: "region", Required: true, Active: true},
	}}
	headers := []string{"price"}
	m, err := mapping.FromTemplate(tpl, resolver(t), headers)
	if err != nil {
		t.Fatalf("FromTemplate() error = %v", err)
	}

	err = m.ValidateHeaders(headers)
	var me *core.MappingError
	if !errors.As(err, &me) {
		t.Fatalf("ValidateHeaders() error = %v, want MappingError", err)
	}
	// Secondary-scoped rules are not part of the pre-pass.
	if got := strings.Join(me.Columns, ","); got != "brand,sku" {
		t.Errorf("Columns = %q, want %q", got, "brand,sku")
	}
	if !strings.Contains(err.Error(), "missing required column(s)") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestValidateHeaders_AutoNeedsProductID(t *testing.T) {
	headers := []string{"Product name", "Base price"}
	m := mapping.Auto(headers, resolver(t))

	var me *core.MappingError
	if err := m.ValidateHeaders(headers); !errors.As(err, &me) || me.Columns[0] != "Product ID" {
		t.Errorf("ValidateHeaders() error = %v, want missing Product ID", err)
	}
}

// =============================================================================
// Auto matching
// =============================================================================

func TestAuto_ExactThenSubstring(t *testing.T) {
	headers := []string{"Base price (EUR)", "product id", "Region", "Stock amount", "competitorName", "Notes"}
	m := mapping.Auto(headers, resolver(t))

	got := make(map[string]string)
	for _, c := range m.Columns() {
		got[c[1]] = c[0]
	}
	want := map[string]string{
		"productId":                 "product id",
		"basePrice":                 "Base price (EUR)",
		"region.region":             "Region",
		"region.stockAmount":        "Stock amount",
		"competitor.competitorName": "competitorName",
	}
	for target, source := range want {
		if got[target] != source {
			t.Errorf("%s <- %q, want %q", target, got[target], source)
		}
	}
	if _, ok := got["productAdditional"]; ok {
		t.Error("unrelated header bound to a field")
	}
	if m.Origin() != "auto" {
		t.Errorf("Origin() = %q", m.Origin())
	}
}

func TestAuto_ExportLabelsRoundTrip(t *testing.T) {
	pt, _ := entity.Get(catalog.ProductType)
	var headers []string
	for _, f := range pt.Fields {
		headers = append(headers, f.Label)
	}

	m := mapping.Auto(headers, resolver(t))
	if len(m.Columns()) != len(pt.Fields) {
		t.Fatalf("Auto() bound %d columns, want %d", len(m.Columns()), len(pt.Fields))
	}
	for i, c := range m.Columns() {
		if c[1] != pt.Fields[i].ID {
			t.Errorf("%q bound to %s, want %s", c[0], c[1], pt.Fields[i].ID)
		}
	}
}

func TestGenerate(t *testing.T) {
	tpl := mapping.Generate([]string{"Product ID", "Region", "Competitor price"}, resolver(t))

	if tpl.EntityType != catalog.ProductType || !tpl.Active {
		t.Errorf("template = %+v", tpl)
	}
	if len(tpl.Rules) != 3 {
		t.Fatalf("Rules = %v, want 3", tpl.Rules)
	}
	if r := tpl.Rules[0]; r.TargetField != "productId" || !r.Required || r.TargetSubEntity != "" {
		t.Errorf("Rules[0] = %+v", r)
	}
	if r := tpl.Rules[2]; r.Target() != "competitor.competitorPrice" || r.Required {
		t.Errorf("Rules[2] = %+v", r)
	}
}

// =============================================================================
// Template matching
// =============================================================================

func TestBestTemplate(t *testing.T) {
	mk := func(id string, cols ...string) mapping.Template {
		tpl := mapping.Template{ID: id, Active: true}
		for _, c := range cols {
			tpl.Rules = append(tpl.Rules, mapping.Rule{SourceColumn: c, TargetField: "productName", Active: true})
		}
		return tpl
	}
	templates := []mapping.Template{
		mk("half", "sku", "price", "ean", "colour"),
		mk("most", "SKU", "Price", "Region", "stock"),
		mk("full", "sku", "price"),
	}

	best := mapping.BestTemplate([]string{"sku", "price", "region"}, templates)
	if best == nil || best.ID != "full" {
		t.Fatalf("BestTemplate() = %v, want full", best)
	}

	if got := mapping.MatchTemplates([]string{"sku", "price", "region"}, templates); len(got) != 2 {
		t.Errorf("MatchTemplates() returned %d, want 2 (half is below threshold)", len(got))
	}
	if mapping.BestTemplate([]string{"nothing"}, templates) != nil {
		t.Error("BestTemplate() should return nil below threshold")
	}
}

func TestCompileTransform(t *testing.T) {
	tests := []struct {
		spec  string
		in    string
		want  string
		isErr bool
	}{
		{"trim|uppercase", "  ab ", "AB", false},
		{"lowercase", "AbC", "abc", false},
		{"number", "€1 200,5", "1200.5", false},
		{"bool", "yes", "true", false},
		{"bool", "maybe", "", true},
		{"date:02.01.2006", "31.12.2024", "2024-12-31 00:00:00", false},
		{"date:02.01.2006", "2024-12-31", "", true},
		{"replace:-:", "A-1-2", "A12", false},
	}

	for _, tt := range tests {
		t.Run(tt.spec+"/"+tt.in, func(t *testing.T) {
			tf, err := mapping.CompileTransform(tt.spec)
			if err != nil {
				t.Fatalf("CompileTransform() error = %v", err)
			}
			got, err := tf(tt.in)
			if tt.isErr {
				if err == nil {
					t.Errorf("transform(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("transform(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}

	if tf, err := mapping.CompileTransform(" "); tf != nil || err != nil {
		t.Error("empty spec should compile to nil")
	}
}
