package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/pricefeed/internal/config"
	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/entity/catalog"
	"github.com/JonMunkholm/pricefeed/internal/export/layout"
	"github.com/JonMunkholm/pricefeed/internal/mapping"
	"github.com/JonMunkholm/pricefeed/internal/progress"
	"github.com/JonMunkholm/pricefeed/internal/store"
	"github.com/JonMunkholm/pricefeed/internal/store/memory"
)

const feed = "Product ID,Product name,Base price,Region,Stock amount\n" +
	"A1,Kettle,10.50,EU,4\n" +
	"A1,Kettle,10.50,US,2\n" +
	"B2,Mug,3,EU,9\n"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Import: config.ImportConfig{
			BatchSize:       500,
			MaxFileSize:     1 << 20,
			UploadDir:       t.TempDir(),
			CancelCheck:     "batch",
			DuplicatePolicy: "overwrite",
		},
		Workers: config.WorkerConfig{
			FileWorkers: 2, FileQueue: 4,
			ExportWorkers: 1, ExportQueue: 2,
			Overflow: "reject",
		},
		Progress: config.ProgressConfig{Retention: time.Minute},
		Export:   config.ExportConfig{OutputDir: t.TempDir(), Delimiter: ",", Quote: `"`},
	}
}

func newService(t *testing.T, cfg *config.Config) (*Service, *memory.Store) {
	t.Helper()
	s := memory.New()
	svc, err := New(s, progress.New(s, cfg.Progress, nil), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return svc, s
}

func importFeed(t *testing.T, svc *Service, clientID int64, content string, params core.Params) Result {
	t.Helper()
	ctx := context.Background()
	rec, err := svc.StartImport(ctx, ImportRequest{
		ClientID: clientID,
		FileName: "feed.csv",
		Body:     strings.NewReader(content),
		Params:   params,
	})
	if err != nil {
		t.Fatalf("StartImport() error = %v", err)
	}
	if rec.Status != core.StatusPending {
		t.Errorf("initial status = %s, want PENDING", rec.Status)
	}
	return wait(t, svc, rec.ID)
}

func wait(t *testing.T, svc *Service, id string) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := svc.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) error = %v", id, err)
	}
	return res
}

func count(t *testing.T, s *memory.Store, clientID int64) int {
	t.Helper()
	pt, _ := entity.Get(catalog.ProductType)
	recs, err := s.Find(context.Background(), pt, store.Query{ClientID: clientID})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	return len(recs)
}

// =============================================================================
// Imports
// =============================================================================

func TestStartImport_RunsToCompletion(t *testing.T) {
	cfg := testConfig(t)
	svc, s := newService(t, cfg)

	res := importFeed(t, svc, 1, feed, nil)

	if res.Operation.Status != core.StatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED", res.Operation.Status, res.Operation.ErrorMessage)
	}
	if res.Import == nil || res.Import.Counters.Processed != 3 {
		t.Fatalf("import result = %+v", res.Import)
	}
	if res.Operation.ProcessedRecords != 3 || res.Operation.FileName != "feed.csv" {
		t.Errorf("record = %+v", res.Operation)
	}
	if got := count(t, s, 1); got != 2 {
		t.Errorf("products = %d, want 2", got)
	}
	if got := s.Count(catalog.RegionType); got != 3 {
		t.Errorf("regions = %d, want 3", got)
	}

	left, _ := os.ReadDir(cfg.Import.UploadDir)
	if len(left) != 0 {
		t.Errorf("upload dir not cleaned: %d files left", len(left))
	}
}

func TestStartImport_RequiresFileName(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	_, err := svc.StartImport(context.Background(), ImportRequest{Body: strings.NewReader(feed)})
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("error = %v, want ValidationError", err)
	}
}

func TestStartImport_FileTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Import.MaxFileSize = 10
	svc, s := newService(t, cfg)

	_, err := svc.StartImport(context.Background(), ImportRequest{FileName: "big.csv", Body: strings.NewReader(feed)})
	if err == nil || !strings.Contains(err.Error(), "exceeds limit") {
		t.Fatalf("error = %v, want size limit", err)
	}
	active, _ := s.ListActive(context.Background())
	if len(active) != 0 {
		t.Errorf("active operations = %d, want none recorded", len(active))
	}
}

// blockUpserts makes the first upsert wait until release is closed and
// signals entered when it starts waiting.
func blockUpserts(s *memory.Store) (entered chan struct{}, release chan struct{}) {
	entered, release = make(chan struct{}), make(chan struct{})
	var once sync.Once
	s.FailUpsert = func(*entity.Type, entity.Entity) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}
	return entered, release
}

func TestStartImport_RejectsWhenSaturated(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.FileWorkers, cfg.Workers.FileQueue = 1, 1
	svc, s := newService(t, cfg)
	entered, release := blockUpserts(s)
	ctx := context.Background()

	first, err := svc.StartImport(ctx, ImportRequest{ClientID: 1, FileName: "a.csv", Body: strings.NewReader(feed)})
	if err != nil {
		t.Fatalf("first StartImport() error = %v", err)
	}
	<-entered
	queued, err := svc.StartImport(ctx, ImportRequest{ClientID: 1, FileName: "b.csv", Body: strings.NewReader(feed)})
	if err != nil {
		t.Fatalf("second StartImport() error = %v", err)
	}

	_, err = svc.StartImport(ctx, ImportRequest{ClientID: 1, FileName: "c.csv", Body: strings.NewReader(feed)})
	if !errors.Is(err, core.ErrOverloaded) {
		t.Fatalf("third StartImport() error = %v, want ErrOverloaded", err)
	}
	if st := svc.Workers()[0]; st.Rejected != 1 || st.Name != "files" {
		t.Errorf("files pool status = %+v", st)
	}

	close(release)
	for _, id := range []string{first.ID, queued.ID} {
		if res := wait(t, svc, id); res.Operation.Status != core.StatusCompleted {
			t.Errorf("%s status = %s, want COMPLETED", id, res.Operation.Status)
		}
	}

	stats, err := svc.Stats(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	var failed int64
	for _, st := range stats {
		if st.Type == core.OperationImport && st.Status == core.StatusFailed {
			failed = st.Count
		}
	}
	if failed != 1 {
		t.Errorf("failed imports = %d, want the rejected one", failed)
	}
}

func TestStartImport_CallerRunsWhenSaturated(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.FileWorkers, cfg.Workers.FileQueue, cfg.Workers.Overflow = 1, 1, "caller-runs"
	svc, s := newService(t, cfg)
	entered, release := blockUpserts(s)
	ctx := context.Background()

	if _, err := svc.StartImport(ctx, ImportRequest{ClientID: 1, FileName: "a.csv", Body: strings.NewReader(feed)}); err != nil {
		t.Fatalf("StartImport() error = %v", err)
	}
	<-entered
	if _, err := svc.StartImport(ctx, ImportRequest{ClientID: 1, FileName: "b.csv", Body: strings.NewReader(feed)}); err != nil {
		t.Fatalf("StartImport() error = %v", err)
	}

	done := make(chan *core.OperationRecord)
	go func() {
		rec, err := svc.StartImport(ctx, ImportRequest{ClientID: 2, FileName: "c.csv", Body: strings.NewReader(feed)})
		if err != nil {
			t.Errorf("inline StartImport() error = %v", err)
		}
		done <- rec
	}()

	// The inline job blocks on the store transaction held by the first one.
	deadline := time.Now().Add(5 * time.Second)
	for svc.Workers()[0].Inline == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	rec := <-done
	if rec == nil {
		return
	}
	got, _ := svc.Operation(ctx, rec.ID)
	if got.Status != core.StatusCompleted {
		t.Errorf("inline status = %s, want COMPLETED", got.Status)
	}
	if svc.Workers()[0].Inline != 1 {
		t.Errorf("inline count = %d, want 1", svc.Workers()[0].Inline)
	}
}

// =============================================================================
// Cancellation and waiting
// =============================================================================

func TestCancel_StopsAfterCommittedBatch(t *testing.T) {
	svc, s := newService(t, testConfig(t))
	entered, release := blockUpserts(s)
	ctx := context.Background()

	rec, err := svc.StartImport(ctx, ImportRequest{
		ClientID: 1,
		FileName: "feed.csv",
		Body:     strings.NewReader(feed),
		Params:   core.Params{core.ParamBatchSize: "1"},
	})
	if err != nil {
		t.Fatalf("StartImport() error = %v", err)
	}
	<-entered
	if err := svc.Cancel(ctx, rec.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(release)

	res := wait(t, svc, rec.ID)
	if res.Operation.Status != core.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", res.Operation.Status)
	}
	if res.Operation.ProcessedRecords != 1 {
		t.Errorf("processed = %d, want the committed batch only", res.Operation.ProcessedRecords)
	}
	if got := count(t, s, 1); got != 1 {
		t.Errorf("products = %d, want 1 (no partial undo)", got)
	}

	if err := svc.Cancel(ctx, rec.ID); !errors.Is(err, ErrFinished) {
		t.Errorf("second Cancel() error = %v, want ErrFinished", err)
	}
}

func TestCancel_Unknown(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	if err := svc.Cancel(context.Background(), "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Cancel() error = %v, want ErrNotFound", err)
	}
}

func TestWait_ContextDone(t *testing.T) {
	svc, s := newService(t, testConfig(t))
	entered, release := blockUpserts(s)
	defer close(release)

	rec, err := svc.StartImport(context.Background(), ImportRequest{ClientID: 1, FileName: "feed.csv", Body: strings.NewReader(feed)})
	if err != nil {
		t.Fatalf("StartImport() error = %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := svc.Wait(ctx, rec.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}

	active, err := svc.ListActive(context.Background())
	if err != nil || len(active) != 1 || active[0].Status != core.StatusProcessing {
		t.Errorf("ListActive() = %+v, %v", active, err)
	}
}

func TestSubscribe_StreamsUntilTerminal(t *testing.T) {
	svc, s := newService(t, testConfig(t))
	entered, release := blockUpserts(s)
	ctx := context.Background()

	rec, err := svc.StartImport(ctx, ImportRequest{
		ClientID: 1,
		FileName: "feed.csv",
		Body:     strings.NewReader(feed),
		Params:   core.Params{core.ParamBatchSize: "1"},
	})
	if err != nil {
		t.Fatalf("StartImport() error = %v", err)
	}
	<-entered
	ch, unsubscribe, err := svc.Subscribe(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()
	close(release)

	var last progress.Snapshot
	var prev int64
	for snap := range ch {
		if snap.Processed < prev {
			t.Errorf("processed went backwards: %d after %d", snap.Processed, prev)
		}
		prev = snap.Processed
		last = snap
	}
	if last.Status != core.StatusCompleted || last.Percent != 100 {
		t.Errorf("last snapshot = %+v", last)
	}

	snap, err := svc.Progress(ctx, rec.ID)
	if err != nil || snap.Processed != 3 {
		t.Errorf("Progress() = %+v, %v", snap, err)
	}
}

func TestSubscribe_UntrackedReturnsStoredState(t *testing.T) {
	svc, s := newService(t, testConfig(t))
	ctx := context.Background()
	_ = s.CreateOperation(ctx, &core.OperationRecord{ID: "old", Type: core.OperationImport, Status: core.StatusPending})
	_ = s.FinishOperation(ctx, "old", core.Outcome{Status: core.StatusFailed, ErrorMessage: "boom", CompletedAt: time.Now()})

	ch, _, err := svc.Subscribe(ctx, "old")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	snap, ok := <-ch
	if !ok || snap.Status != core.StatusFailed || snap.Message != "boom" {
		t.Errorf("snapshot = %+v", snap)
	}
	if _, open := <-ch; open {
		t.Error("channel not closed after stored snapshot")
	}

	if _, _, err := svc.Subscribe(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Subscribe(missing) error = %v", err)
	}
}

func TestPrune(t *testing.T) {
	cfg := testConfig(t)
	cfg.Progress.Retention = 0
	svc, _ := newService(t, cfg)
	res := importFeed(t, svc, 1, feed, nil)

	if n := svc.Prune(); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	// The stored record outlives the handle.
	if _, err := svc.Wait(context.Background(), res.Operation.ID); err != nil {
		t.Errorf("Wait() after prune error = %v", err)
	}
}

// =============================================================================
// Exports
// =============================================================================

func TestStartExport_UnsupportedFormat(t *testing.T) {
	svc, s := newService(t, testConfig(t))
	_, err := svc.StartExport(context.Background(), ExportRequest{ClientID: 1, Format: "pdf"})
	var xerr *core.ExportError
	if !errors.As(err, &xerr) {
		t.Fatalf("error = %v, want ExportError", err)
	}
	stats, _ := s.Stats(context.Background(), time.Now().Add(-time.Hour))
	if len(stats) != 0 {
		t.Errorf("stats = %+v, want nothing recorded", stats)
	}
}

func TestExportThenReimport(t *testing.T) {
	svc, s := newService(t, testConfig(t))
	ctx := context.Background()
	importFeed(t, svc, 1, feed, nil)

	rec, err := svc.StartExport(ctx, ExportRequest{ClientID: 1, Format: "csv"})
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}
	res := wait(t, svc, rec.ID)
	if res.Operation.Status != core.StatusCompleted || res.Export.Rows != 3 {
		t.Fatalf("export = %+v / %+v", res.Operation, res.Export)
	}

	art, err := svc.Artifact(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Artifact() error = %v", err)
	}
	if art.ContentType != "text/csv; charset=utf-8" || filepath.Ext(art.FileName) != ".csv" || strings.HasPrefix(art.FileName, rec.ID) {
		t.Errorf("artifact = %+v", art)
	}

	// Exported labels auto-map back to the same fields.
	again, err := svc.StartImport(ctx, ImportRequest{ClientID: 2, FileName: art.FileName, Path: art.Path})
	if err != nil {
		t.Fatalf("StartImport() error = %v", err)
	}
	back := wait(t, svc, again.ID)
	if back.Operation.Status != core.StatusCompleted || back.Operation.FailedRecords != 0 {
		t.Fatalf("reimport = %+v", back.Operation)
	}
	if got := count(t, s, 2); got != 2 {
		t.Errorf("client 2 products = %d, want 2", got)
	}
	if s.Count(catalog.RegionType) != 6 {
		t.Errorf("regions = %d, want 6", s.Count(catalog.RegionType))
	}
	if _, err := os.Stat(art.Path); err != nil {
		t.Errorf("artifact removed after reimport from path: %v", err)
	}
}

func TestArtifact_NotAvailableForImports(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	res := importFeed(t, svc, 1, feed, nil)
	if _, err := svc.Artifact(context.Background(), res.Operation.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Artifact() error = %v, want ErrNotFound", err)
	}
}

// =============================================================================
// Templates and detection
// =============================================================================

func TestSaveTemplate_Validation(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		tpl     mapping.Template
		wantErr bool
	}{
		{"missing name", mapping.Template{Rules: []mapping.Rule{{SourceColumn: "sku", TargetField: "productId", Active: true}}}, true},
		{"unknown entity", mapping.Template{Name: "x", EntityType: "order"}, true},
		{"unknown target", mapping.Template{Name: "x", Rules: []mapping.Rule{{SourceColumn: "sku", TargetField: "weight", Active: true}}}, true},
		{"bad transform", mapping.Template{Name: "x", Rules: []mapping.Rule{{SourceColumn: "sku", TargetField: "productId", Transform: "shout", Active: true}}}, true},
		{"inactive rule not checked", mapping.Template{Name: "x", Active: true, Rules: []mapping.Rule{{SourceColumn: "sku", TargetField: "weight"}}}, false},
		{"valid", mapping.Template{Name: "sku feed", ClientID: 1, Active: true, Rules: []mapping.Rule{
			{SourceColumn: "sku", TargetField: "productId", Required: true, Active: true},
			{SourceColumn: "stock", TargetField: "stockAmount", TargetSubEntity: "region", Transform: "trim|number", Active: true},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := tt.tpl
			err := svc.SaveTemplate(ctx, &tpl)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SaveTemplate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (tpl.ID == "" || tpl.EntityType != "product") {
				t.Errorf("saved template = %+v", tpl)
			}
		})
	}

	list, err := svc.Templates(ctx, 1, "product")
	if err != nil || len(list) != 2 {
		t.Errorf("Templates() = %d, %v; want 2", len(list), err)
	}
}

func TestGenerateTemplate(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	tpl, err := svc.GenerateTemplate("", 3, []string{"Product ID", "Region", "Unrelated"})
	if err != nil {
		t.Fatalf("GenerateTemplate() error = %v", err)
	}
	if tpl.ClientID != 3 || tpl.EntityType != "product" || len(tpl.Rules) != 2 {
		t.Fatalf("template = %+v", tpl)
	}
	if r := tpl.Rules[1]; r.Target() != "region.region" || r.SourceColumn != "Region" {
		t.Errorf("region rule = %+v", r)
	}
	if !tpl.Rules[0].Required {
		t.Error("product id rule should be required")
	}

	if _, err := svc.GenerateTemplate("region", 3, nil); err == nil {
		t.Error("GenerateTemplate(region) should reject a secondary type")
	}
}

func TestDetectFile(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	path := filepath.Join(t.TempDir(), "feed.txt")
	content := strings.ReplaceAll(feed, ",", ";")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := svc.DetectFile(context.Background(), 1, path, "feed.txt", nil)
	if err != nil {
		t.Fatalf("DetectFile() error = %v", err)
	}
	if d.Strategy != "csv" || d.Format.Delimiter != ';' || !d.Format.HasHeader {
		t.Errorf("detection = %+v", d)
	}
	if len(d.Headers) != 5 || len(d.Sample) != 3 || d.Sample[2]["Product ID"] != "B2" {
		t.Errorf("headers = %v sample = %v", d.Headers, d.Sample)
	}
	if len(d.Mapping) != 5 || d.Mapping[0] != [2]string{"Product ID", "productId"} {
		t.Errorf("mapping = %v", d.Mapping)
	}
}

func TestListStuck(t *testing.T) {
	svc, s := newService(t, testConfig(t))
	ctx := context.Background()
	_ = s.CreateOperation(ctx, &core.OperationRecord{ID: "slow", Type: core.OperationImport, Status: core.StatusPending})
	_ = s.StartOperation(ctx, "slow", time.Now())
	s.SetUpdatedAt("slow", time.Now().Add(-2*time.Hour))

	stuck, err := svc.ListStuck(ctx, time.Hour)
	if err != nil || len(stuck) != 1 || stuck[0].ID != "slow" {
		t.Errorf("ListStuck(1h) = %+v, %v", stuck, err)
	}
	stuck, _ = svc.ListStuck(ctx, 3*time.Hour)
	if len(stuck) != 0 {
		t.Errorf("ListStuck(3h) = %d, want 0", len(stuck))
	}
}

// =============================================================================
// Export templates
// =============================================================================

func saveExportTemplate(t *testing.T, svc *Service, tpl *layout.Template) {
	t.Helper()
	if err := svc.SaveExportTemplate(context.Background(), tpl); err != nil {
		t.Fatalf("SaveExportTemplate() error = %v", err)
	}
}

func exportArtifact(t *testing.T, svc *Service, req ExportRequest) (*core.OperationRecord, string) {
	t.Helper()
	ctx := context.Background()
	rec, err := svc.StartExport(ctx, req)
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}
	if res := wait(t, svc, rec.ID); res.Operation.Status != core.StatusCompleted {
		t.Fatalf("export = %+v", res.Operation)
	}
	art, err := svc.Artifact(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Artifact() error = %v", err)
	}
	data, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	return rec, string(data)
}

func TestStartExport_DefaultTemplateSuppliesFormatAndFields(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	importFeed(t, svc, 1, feed, nil)
	tpl := &layout.Template{
		Name: "Short", ClientID: 1, Default: true, Format: "csv",
		Fields:  []layout.Field{{Name: "productId", DisplayName: "SKU"}, {Name: "productName"}},
		Options: core.Params{core.ParamDelimiter: ";"},
	}
	saveExportTemplate(t, svc, tpl)
	if tpl.EntityType != catalog.ProductType {
		t.Errorf("entity type = %q, want product default", tpl.EntityType)
	}

	rec, data := exportArtifact(t, svc, ExportRequest{ClientID: 1})
	if rec.Params[core.ParamTemplateID] != tpl.ID || rec.Params[core.ParamFormat] != "csv" {
		t.Errorf("params = %v", rec.Params)
	}
	if !strings.HasPrefix(data, "SKU;Product name\n") || !strings.Contains(data, "B2;Mug\n") {
		t.Errorf("artifact = %q", data)
	}
}

func TestStartExport_FieldsParamOverridesDefault(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	importFeed(t, svc, 1, feed, nil)
	saveExportTemplate(t, svc, &layout.Template{
		Name: "Short", ClientID: 1, Default: true, Format: "csv",
		Fields: []layout.Field{{Name: "productId"}},
	})

	rec, data := exportArtifact(t, svc, ExportRequest{ClientID: 1, Format: "csv", Params: core.Params{core.ParamFields: "Stock amount:Stock, productId"}})
	if _, ok := rec.Params[core.ParamTemplateID]; ok {
		t.Errorf("params = %v, want no template applied", rec.Params)
	}
	if !strings.HasPrefix(data, "Stock,Product ID\n") || !strings.Contains(data, "9,B2\n") {
		t.Errorf("artifact = %q", data)
	}
}

func TestStartExport_NamedTemplate(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	importFeed(t, svc, 1, feed, nil)
	global := &layout.Template{Name: "Ids", Fields: []layout.Field{{Name: "productId"}}}
	saveExportTemplate(t, svc, global)

	rec, data := exportArtifact(t, svc, ExportRequest{ClientID: 1, Format: "csv", Params: core.Params{core.ParamTemplateID: global.ID}})
	if rec.Params[core.ParamTemplateID] != global.ID {
		t.Errorf("params = %v", rec.Params)
	}
	if data != "Product ID\nA1\nA1\nB2\n" {
		t.Errorf("artifact = %q", data)
	}
}

func TestStartExport_RejectsBadSelection(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	private := &layout.Template{Name: "Private", ClientID: 2, Format: "csv", Fields: []layout.Field{{Name: "productId"}}}
	saveExportTemplate(t, svc, private)

	tests := []struct {
		name  string
		req   ExportRequest
		check func(error) bool
	}{
		{"unknown field", ExportRequest{ClientID: 1, Format: "csv", Params: core.Params{core.ParamFields: "weight"}}, func(err error) bool {
			var verr *core.ValidationError
			return errors.As(err, &verr) && verr.Field == "weight"
		}},
		{"template of another client", ExportRequest{ClientID: 1, Params: core.Params{core.ParamTemplateID: private.ID}}, func(err error) bool {
			return errors.Is(err, core.ErrNotFound)
		}},
		{"unknown template", ExportRequest{ClientID: 1, Format: "csv", Params: core.Params{core.ParamTemplateID: "nope"}}, func(err error) bool {
			return errors.Is(err, core.ErrNotFound)
		}},
		{"no format and no template", ExportRequest{ClientID: 1}, func(err error) bool {
			var xerr *core.ExportError
			return errors.As(err, &xerr)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := svc.StartExport(context.Background(), tt.req)
			if rec != nil || !tt.check(err) {
				t.Errorf("StartExport() = %v, %v", rec, err)
			}
		})
	}
}

func TestSaveExportTemplate_Validation(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	ctx := context.Background()

	bad := &layout.Template{Name: "Bad", Fields: []layout.Field{{Name: "weight"}}}
	var verr *core.ValidationError
	if err := svc.SaveExportTemplate(ctx, bad); !errors.As(err, &verr) {
		t.Errorf("SaveExportTemplate(unknown field) error = %v, want ValidationError", err)
	}
	if bad.ID != "" {
		t.Error("invalid template was stored")
	}

	good := &layout.Template{Name: "Good", ClientID: 1, Fields: []layout.Field{{Name: "region.region"}}}
	saveExportTemplate(t, svc, good)
	list, err := svc.ExportTemplates(ctx, 1, catalog.ProductType)
	if err != nil || len(list) != 1 || list[0].ID != good.ID {
		t.Errorf("ExportTemplates() = %v, %v", list, err)
	}
	if err := svc.DeleteExportTemplate(ctx, good.ID); err != nil {
		t.Fatalf("DeleteExportTemplate() error = %v", err)
	}
	if list, _ := svc.ExportTemplates(ctx, 1, ""); len(list) != 0 {
		t.Errorf("ExportTemplates() after delete = %v", list)
	}
}

func TestExportFields(t *testing.T) {
	svc, _ := newService(t, testConfig(t))
	fields, err := svc.ExportFields("")
	if err != nil || len(fields) == 0 || fields[0].ID != "productId" {
		t.Errorf("ExportFields() = %v, %v", fields, err)
	}
	if _, err := svc.ExportFields(catalog.RegionType); err == nil {
		t.Error("ExportFields(region) error = nil, want rejection of a child type")
	}
}
