package export

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/pricefeed/internal/config"
	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/entity/catalog"
	"github.com/JonMunkholm/pricefeed/internal/export/layout"
	"github.com/JonMunkholm/pricefeed/internal/progress"
	"github.com/JonMunkholm/pricefeed/internal/store"
	"github.com/JonMunkholm/pricefeed/internal/store/memory"
)

func productType(t *testing.T) *entity.Type {
	t.Helper()
	pt, ok := entity.Get(catalog.ProductType)
	if !ok {
		t.Fatal("product type not registered")
	}
	return pt
}

func newEntity(t *testing.T, typeName string, values map[string]string) entity.Entity {
	t.Helper()
	typ, _ := entity.Get(typeName)
	e := typ.New()
	if err := typ.Populate(e, values); err != nil {
		t.Fatalf("Populate(%s) error = %v", typeName, err)
	}
	return e
}

// product builds a product with the given regions and competitors attached.
func product(t *testing.T, values map[string]string, regions, competitors []map[string]string) entity.Entity {
	t.Helper()
	p := newEntity(t, catalog.ProductType, values)
	p.(entity.Scoped).SetScope(1)
	rt, _ := entity.Get(catalog.RegionType)
	ct, _ := entity.Get(catalog.CompetitorType)
	for _, r := range regions {
		rt.Attach(p, newEntity(t, catalog.RegionType, r))
	}
	for _, c := range competitors {
		ct.Attach(p, newEntity(t, catalog.CompetitorType, c))
	}
	return p
}

func labels(ds Dataset) []string {
	out := make([]string, len(ds.Columns))
	for i, c := range ds.Columns {
		out[i] = c.Label()
	}
	return out
}

// =============================================================================
// Engine
// =============================================================================

func TestEngine_UnsupportedFormat(t *testing.T) {
	e := NewEngine(config.ExportConfig{})

	_, err := e.Export(Dataset{}, "pdf", "out", nil)
	var xerr *core.ExportError
	if !errors.As(err, &xerr) {
		t.Fatalf("Export(pdf) error = %v, want ExportError", err)
	}
	if xerr.Format != "pdf" || !strings.Contains(err.Error(), "pdf") {
		t.Errorf("error = %q, want it to name pdf", err)
	}
	if e.Supports("pdf") {
		t.Error("Supports(pdf) = true")
	}
}

func TestEngine_FormatLookupIsCaseInsensitive(t *testing.T) {
	e := NewEngine(config.ExportConfig{})
	tests := []struct {
		format, file, contentType string
	}{
		{"CSV", "x.csv", "text/csv; charset=utf-8"},
		{"Xlsx", "x.xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	}
	for _, tt := range tests {
		name, err := e.FileName(tt.format, "x")
		if err != nil || name != tt.file {
			t.Errorf("FileName(%s) = %q, %v", tt.format, name, err)
		}
		ct, err := e.ContentType(tt.format)
		if err != nil || ct != tt.contentType {
			t.Errorf("ContentType(%s) = %q, %v", tt.format, ct, err)
		}
	}
}

// =============================================================================
// Composite expansion
// =============================================================================

func TestExpand_CrossProduct(t *testing.T) {
	items := []entity.Entity{
		product(t, map[string]string{"productId": "A1"},
			[]map[string]string{{"region": "EU"}, {"region": "US"}},
			[]map[string]string{{"competitorName": "X"}, {"competitorName": "Y"}, {"competitorName": "Z"}}),
		product(t, map[string]string{"productId": "B2"}, nil, nil),
		product(t, map[string]string{"productId": "C3"}, []map[string]string{{"region": "EU"}}, nil),
	}
	ds := Expand(productType(t), items)

	if got := len(ds.Rows); got != 6+1+1 {
		t.Fatalf("rows = %d, want 8", got)
	}
	region, _ := ds.Column("region.region")
	competitor, _ := ds.Column("competitorName")
	id, _ := ds.Column("productId")

	var pairs []string
	for _, r := range ds.Rows {
		if id.Text(r) == "A1" {
			pairs = append(pairs, region.Text(r)+"/"+competitor.Text(r))
		}
	}
	want := "EU/X EU/Y EU/Z US/X US/Y US/Z"
	if got := strings.Join(pairs, " "); got != want {
		t.Errorf("A1 combinations = %q, want %q", got, want)
	}

	last := ds.Rows[len(ds.Rows)-1]
	if region.Text(last) != "EU" || competitor.Text(last) != "" {
		t.Errorf("C3 row = %q/%q, want EU and blank competitor", region.Text(last), competitor.Text(last))
	}
}

func TestExpand_ColumnsOnlyForChildTypesWithData(t *testing.T) {
	pt := productType(t)
	items := []entity.Entity{
		product(t, map[string]string{"productId": "A1"}, []map[string]string{{"region": "EU"}}, nil),
	}
	ds := Expand(pt, items)

	if got, want := len(ds.Columns), len(pt.Fields)+len(entity.Children(pt.Name)[0].Fields); got != want {
		t.Errorf("columns = %d, want %d", got, want)
	}
	if _, ok := ds.Column("competitorName"); ok {
		t.Error("competitor columns present without competitor data")
	}
	if labels(ds)[0] != "Product ID" {
		t.Errorf("first label = %q, want field label", labels(ds)[0])
	}
}

// =============================================================================
// Processing strategies
// =============================================================================

func filterFixture(t *testing.T) Dataset {
	items := []entity.Entity{
		product(t, map[string]string{"productId": "A1", "productName": "Red kettle", "basePrice": "10"}, nil,
			[]map[string]string{{"competitorName": "X", "competitorDate": "2024-03-01 10:00:00"}}),
		product(t, map[string]string{"productId": "A2", "productName": "Blue kettle", "basePrice": "25.5"}, nil,
			[]map[string]string{{"competitorName": "Y", "competitorDate": "2024-03-15 23:59:00"}}),
		product(t, map[string]string{"productId": "A3", "productName": "Red mug", "basePrice": "4"}, nil,
			[]map[string]string{{"competitorName": "Z", "competitorDate": "2024-04-02 08:00:00"}}),
	}
	return Expand(productType(t), items)
}

func ids(ds Dataset) string {
	col, _ := ds.Column("productId")
	var out []string
	for _, r := range ds.Rows {
		out = append(out, col.Text(r))
	}
	return strings.Join(out, ",")
}

func TestFilter(t *testing.T) {
	ds := filterFixture(t)
	tests := []struct {
		name   string
		params core.Params
		want   string
	}{
		{"no predicates", core.Params{}, "A1,A2,A3"},
		{"text substring", core.Params{core.ParamTextField: "productName", core.ParamTextValue: "KETTLE"}, "A1,A2"},
		{"text by label", core.Params{core.ParamTextField: "Product name", core.ParamTextValue: "mug"}, "A3"},
		{"numeric range", core.Params{core.ParamNumericField: "basePrice", core.ParamMinValue: "5", core.ParamMaxValue: "20"}, "A1"},
		{"numeric min only", core.Params{core.ParamNumericField: "basePrice", core.ParamMinValue: "10"}, "A1,A2"},
		{"numeric invalid skipped", core.Params{core.ParamNumericField: "basePrice", core.ParamMinValue: "lots"}, "A1,A2,A3"},
		{"unknown field skipped", core.Params{core.ParamNumericField: "weight", core.ParamMinValue: "1"}, "A1,A2,A3"},
		{"date range inclusive", core.Params{core.ParamDateField: "competitorDate", core.ParamFromDate: "2024-03-01", core.ParamToDate: "2024-03-15"}, "A1,A2"},
		{"date invalid skipped", core.Params{core.ParamDateField: "competitorDate", core.ParamFromDate: "03/01/2024"}, "A1,A2,A3"},
		{"combined", core.Params{
			core.ParamTextField: "productName", core.ParamTextValue: "red",
			core.ParamDateField: "competitorDate", core.ParamFromDate: "2024-04-01",
		}, "A3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filter{}.Process(ds, tt.params)
			if ids(got) != tt.want {
				t.Errorf("rows = %s, want %s", ids(got), tt.want)
			}
		})
	}
}

func TestEngine_ProcessingStrategySelection(t *testing.T) {
	e := NewEngine(config.ExportConfig{})
	ds := filterFixture(t)
	params := core.Params{core.ParamTextField: "productName", core.ParamTextValue: "mug"}

	art, err := e.Export(ds, "csv", "out", params)
	if err != nil || art.Rows != 3 {
		t.Fatalf("identity export rows = %d, %v; want 3", art.Rows, err)
	}
	params[core.ParamProcessingStrategy] = "filter"
	art, err = e.Export(ds, "csv", "out", params)
	if err != nil || art.Rows != 1 {
		t.Fatalf("filtered export rows = %d, %v; want 1", art.Rows, err)
	}
}

// =============================================================================
// Formats
// =============================================================================

func TestCSV_CustomDelimiterAndQuote(t *testing.T) {
	items := []entity.Entity{
		product(t, map[string]string{"productId": "A;1", "productName": "it's"}, nil, nil),
	}
	ds := Expand(productType(t), items)
	ds.Columns = ds.Columns[:2]

	var buf bytes.Buffer
	if err := (csvFormat{delim: ';', quote: '\''}).Write(&buf, ds); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	want := "Product ID;Product name\n'A;1';'it''s'\n"
	if buf.String() != want {
		t.Errorf("csv = %q, want %q", buf.String(), want)
	}
}

func TestXLSX_SheetHeaderAndCells(t *testing.T) {
	items := []entity.Entity{
		product(t, map[string]string{"productId": "A1", "basePrice": "1234.5"}, []map[string]string{{"region": "EU", "stockAmount": "7"}}, nil),
	}
	ds := Expand(productType(t), items)

	var buf bytes.Buffer
	if err := (xlsxFormat{}).Write(&buf, ds); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	if sheets := f.GetSheetList(); len(sheets) != 1 || sheets[0] != SheetName {
		t.Fatalf("sheets = %v, want [%s]", sheets, SheetName)
	}
	rows, err := f.GetRows(SheetName, excelize.Options{RawCellValue: true})
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 2 || rows[0][0] != "Product ID" || rows[1][0] != "A1" {
		t.Fatalf("rows = %v", rows)
	}

	priceCol := -1
	for i, h := range rows[0] {
		if h == "Base price" {
			priceCol = i
		}
	}
	if priceCol < 0 || rows[1][priceCol] != "1234.5" {
		t.Errorf("base price raw cell = %v", rows[1])
	}
	cell, _ := excelize.CoordinatesToCellName(priceCol+1, 2)
	if styleID, err := f.GetCellStyle(SheetName, cell); err != nil || styleID == 0 {
		t.Errorf("base price style = %d, %v; want number style", styleID, err)
	}
}

// =============================================================================
// Export job
// =============================================================================

func seed(t *testing.T, s *memory.Store, items ...entity.Entity) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	for _, p := range items {
		pt := productType(t)
		if _, err := tx.Upsert(ctx, pt, []entity.Entity{p}, store.Overwrite); err != nil {
			t.Fatalf("Upsert(product) error = %v", err)
		}
		for _, ct := range entity.Children(pt.Name) {
			if kids := ct.Children(p); len(kids) > 0 {
				if _, err := tx.Upsert(ctx, ct, kids, store.Overwrite); err != nil {
					t.Fatalf("Upsert(%s) error = %v", ct.Name, err)
				}
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func TestLoad_AttachesChildren(t *testing.T) {
	s := memory.New()
	seed(t, s,
		product(t, map[string]string{"productId": "A1"}, []map[string]string{{"region": "EU"}, {"region": "US"}}, nil),
		product(t, map[string]string{"productId": "B2"}, nil, []map[string]string{{"competitorName": "X"}}),
	)

	items, err := Load(context.Background(), s, 1, productType(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	a1 := items[0].(*catalog.Product)
	b2 := items[1].(*catalog.Product)
	if len(a1.Regions) != 2 || len(a1.Competitors) != 0 {
		t.Errorf("A1 regions = %d competitors = %d", len(a1.Regions), len(a1.Competitors))
	}
	if len(b2.Competitors) != 1 || b2.Competitors[0].Product != b2 {
		t.Errorf("B2 competitors not attached")
	}

	other, err := Load(context.Background(), s, 2, productType(t))
	if err != nil || len(other) != 0 {
		t.Errorf("Load(client 2) = %d items, %v; want none", len(other), err)
	}
}

func TestRun_WritesArtifact(t *testing.T) {
	s := memory.New()
	seed(t, s, product(t, map[string]string{"productId": "A1", "basePrice": "2"}, []map[string]string{{"region": "EU"}}, nil))
	ctx := context.Background()
	_ = s.CreateOperation(ctx, &core.OperationRecord{ID: "exp1", ClientID: 1, Type: core.OperationExport, Status: core.StatusPending})

	deps := Deps{
		Store:     s,
		Tracker:   progress.New(s, config.ProgressConfig{}, nil),
		Engine:    NewEngine(config.ExportConfig{Delimiter: ",", Quote: `"`}),
		OutputDir: t.TempDir(),
	}
	res := Run(ctx, Request{OperationID: "exp1", ClientID: 1, Format: "csv"}, deps)

	if res.Status != core.StatusCompleted || res.Rows != 1 {
		t.Fatalf("result = %+v", res)
	}
	data, err := os.ReadFile(res.ArtifactPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !strings.HasPrefix(string(data), "Product ID,") || !strings.Contains(string(data), "A1,") {
		t.Errorf("artifact = %q", data)
	}
	if filepath.Ext(res.FileName) != ".csv" {
		t.Errorf("file name = %q", res.FileName)
	}

	rec, _ := s.GetOperation(ctx, "exp1")
	if rec.Status != core.StatusCompleted || rec.ArtifactPath != res.ArtifactPath || rec.Type != core.OperationExport {
		t.Errorf("operation = %+v", rec)
	}
}

func TestRun_UnsupportedFormatFails(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_ = s.CreateOperation(ctx, &core.OperationRecord{ID: "exp2", ClientID: 1, Type: core.OperationExport, Status: core.StatusPending})

	deps := Deps{Store: s, Tracker: progress.New(s, config.ProgressConfig{}, nil), Engine: NewEngine(config.ExportConfig{}), OutputDir: t.TempDir()}
	res := Run(ctx, Request{OperationID: "exp2", ClientID: 1, Format: "pdf"}, deps)

	if res.Status != core.StatusFailed || !strings.Contains(res.Error, "pdf") {
		t.Errorf("result = %+v", res)
	}
	rec, _ := s.GetOperation(ctx, "exp2")
	if rec.Status != core.StatusFailed {
		t.Errorf("stored status = %s", rec.Status)
	}
}

func TestRun_WritesSelectedFields(t *testing.T) {
	s := memory.New()
	seed(t, s, product(t, map[string]string{"productId": "A1", "productName": "Kettle"}, []map[string]string{{"region": "EU", "stockAmount": "7"}}, nil))
	ctx := context.Background()
	_ = s.CreateOperation(ctx, &core.OperationRecord{ID: "exp3", ClientID: 1, Type: core.OperationExport, Status: core.StatusPending})

	deps := Deps{Store: s, Tracker: progress.New(s, config.ProgressConfig{}, nil), Engine: NewEngine(config.ExportConfig{Delimiter: ",", Quote: `"`}), OutputDir: t.TempDir()}
	req := Request{OperationID: "exp3", ClientID: 1, Format: "csv", Fields: []layout.Field{
		{Name: "productName"},
		{Name: "productId", DisplayName: "SKU"},
	}}
	res := Run(ctx, req, deps)
	if res.Status != core.StatusCompleted {
		t.Fatalf("result = %+v", res)
	}
	data, err := os.ReadFile(res.ArtifactPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if want := "Product name,SKU\nKettle,A1\n"; string(data) != want {
		t.Errorf("artifact = %q, want %q", data, want)
	}
}

func TestRun_UnknownFieldFails(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_ = s.CreateOperation(ctx, &core.OperationRecord{ID: "exp4", ClientID: 1, Type: core.OperationExport, Status: core.StatusPending})

	deps := Deps{Store: s, Tracker: progress.New(s, config.ProgressConfig{}, nil), Engine: NewEngine(config.ExportConfig{}), OutputDir: t.TempDir()}
	res := Run(ctx, Request{OperationID: "exp4", ClientID: 1, Format: "csv", Fields: []layout.Field{{Name: "weight"}}}, deps)

	if res.Status != core.StatusFailed || !strings.Contains(res.Error, "weight") {
		t.Errorf("result = %+v", res)
	}
}

// =============================================================================
// Field selection
// =============================================================================

func TestSelect_OrdersAndRelabelsColumns(t *testing.T) {
	items := []entity.Entity{
		product(t, map[string]string{"productId": "A1", "productName": "Kettle"}, []map[string]string{{"region": "EU", "stockAmount": "7"}}, nil),
	}
	pt := productType(t)
	ds, err := Select(pt, Expand(pt, items), layout.ParseFields("region.stockAmount:Stock, productId:SKU, Product name"))
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	e := NewEngine(config.ExportConfig{Delimiter: ",", Quote: `"`})
	art, err := e.Export(ds, "csv", "out", core.Params{core.ParamDelimiter: ";"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if want := "Stock;SKU;Product name\n7;A1;Kettle\n"; string(art.Data) != want {
		t.Errorf("csv = %q, want %q", art.Data, want)
	}
	if len(ds.Columns) <= len(ds.Output) {
		t.Errorf("columns = %d, want the full set kept for filters", len(ds.Columns))
	}
}

func TestSelect_FilterSeesUnwrittenColumns(t *testing.T) {
	pt := productType(t)
	ds, err := Select(pt, filterFixture(t), []layout.Field{{Name: "productId"}})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	got := filter{}.Process(ds, core.Params{core.ParamTextField: "productName", core.ParamTextValue: "mug"})
	if ids(got) != "A3" || len(got.Written()) != 1 {
		t.Errorf("rows = %s, written = %d; want A3 and one column", ids(got), len(got.Written()))
	}
}

func TestSelect_NoFieldsKeepsDataset(t *testing.T) {
	pt := productType(t)
	ds := filterFixture(t)
	got, err := Select(pt, ds, nil)
	if err != nil || got.Output != nil || len(got.Written()) != len(ds.Columns) {
		t.Errorf("Select(nil) = %d columns, %v", len(got.Written()), err)
	}
}

func TestResolve(t *testing.T) {
	pt := productType(t)
	tests := []struct {
		name    string
		field   string
		wantID  string
		wantErr bool
	}{
		{"qualified child id", "region.stockAmount", "region.stockAmount", false},
		{"bare child id", "stockAmount", "region.stockAmount", false},
		{"label", "Base price", "basePrice", false},
		{"case-insensitive", "PRODUCTID", "productId", false},
		{"child type without records", "competitorName", "competitor.competitorName", false},
		{"unknown", "weight", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cols, err := Resolve(pt, []layout.Field{{Name: tt.field}})
			if tt.wantErr {
				var verr *core.ValidationError
				if !errors.As(err, &verr) || verr.Field != tt.field {
					t.Fatalf("Resolve(%s) error = %v, want ValidationError", tt.field, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%s) error = %v", tt.field, err)
			}
			if cols[0].ID() != tt.wantID {
				t.Errorf("Resolve(%s) = %s, want %s", tt.field, cols[0].ID(), tt.wantID)
			}
		})
	}
}

func TestFields_ListsPrimaryThenChildren(t *testing.T) {
	got := Fields(productType(t))
	if len(got) == 0 || got[0].ID != "productId" || got[0].Type != catalog.ProductType {
		t.Fatalf("Fields() = %v", got)
	}
	var sawStock bool
	for _, f := range got {
		if f.ID == "region.stockAmount" {
			sawStock = f.Type == catalog.RegionType && f.Label == "Stock amount"
		}
	}
	if !sawStock {
		t.Errorf("Fields() missing region.stockAmount: %v", got)
	}
}

func TestEngine_ValidateTemplate(t *testing.T) {
	e := NewEngine(config.ExportConfig{})
	valid := layout.Template{Name: "Prices", EntityType: catalog.ProductType, Fields: []layout.Field{{Name: "productId"}}, Format: "xlsx"}
	tests := []struct {
		name    string
		mutate  func(*layout.Template)
		wantErr bool
	}{
		{"valid", func(*layout.Template) {}, false},
		{"no format", func(tp *layout.Template) { tp.Format = "" }, false},
		{"missing name", func(tp *layout.Template) { tp.Name = " " }, true},
		{"child entity type", func(tp *layout.Template) { tp.EntityType = catalog.RegionType }, true},
		{"unknown entity type", func(tp *layout.Template) { tp.EntityType = "invoice" }, true},
		{"no fields", func(tp *layout.Template) { tp.Fields = nil }, true},
		{"unknown field", func(tp *layout.Template) { tp.Fields = []layout.Field{{Name: "weight"}} }, true},
		{"unsupported format", func(tp *layout.Template) { tp.Format = "pdf" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := valid.Clone()
			tt.mutate(&tpl)
			err := e.ValidateTemplate(&tpl)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTemplate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
