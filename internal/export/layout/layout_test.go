package layout

import (
	"slices"
	"testing"

	"github.com/JonMunkholm/pricefeed/internal/core"
)

func TestParseFields(t *testing.T) {
	tests := []struct {
		in   string
		want []Field
	}{
		{"", nil},
		{"productId", []Field{{Name: "productId"}}},
		{" productId : SKU , basePrice,, region.stockAmount:Stock ", []Field{
			{Name: "productId", DisplayName: "SKU"},
			{Name: "basePrice"},
			{Name: "region.stockAmount", DisplayName: "Stock"},
		}},
		{":orphan", nil},
	}
	for _, tt := range tests {
		if got := ParseFields(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("ParseFields(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTemplate_ApplyLayersRequestLast(t *testing.T) {
	tpl := Template{
		EntityType: "product",
		StrategyID: "filter",
		Options: core.Params{
			core.ParamDelimiter:  ";",
			core.ParamTextField:  "productName",
			core.ParamEntityType: "ignored",
		},
	}
	got := tpl.Apply(core.Params{core.ParamTextField: "productId"})

	want := map[string]string{
		core.ParamDelimiter:          ";",
		core.ParamTextField:          "productId",
		core.ParamEntityType:         "product",
		core.ParamProcessingStrategy: "filter",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Apply()[%s] = %q, want %q", k, got[k], v)
		}
	}
	if tpl.Options[core.ParamTextField] != "productName" {
		t.Error("Apply() modified the template options")
	}
}

func TestTemplate_VisibleTo(t *testing.T) {
	global := Template{ClientID: 0}
	own := Template{ClientID: 7}
	if !global.VisibleTo(3) || !own.VisibleTo(7) || own.VisibleTo(3) {
		t.Error("VisibleTo() mismatch")
	}
}

func TestTemplate_CloneIsDeep(t *testing.T) {
	tpl := Template{Fields: []Field{{Name: "productId"}}, Options: core.Params{"a": "1"}}
	c := tpl.Clone()
	c.Fields[0].Name = "basePrice"
	c.Options["a"] = "2"
	if tpl.Fields[0].Name != "productId" || tpl.Options["a"] != "1" {
		t.Errorf("Clone() shares state: %+v", tpl)
	}
}
