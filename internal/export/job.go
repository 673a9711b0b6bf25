package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/export/layout"
	"github.com/JonMunkholm/pricefeed/internal/logging"
	"github.com/JonMunkholm/pricefeed/internal/progress"
	"github.com/JonMunkholm/pricefeed/internal/store"
)

// Load returns the client's entities of the primary type with every child
// type attached. Child types are loaded concurrently.
func Load(ctx context.Context, s store.Store, clientID int64, primary *entity.Type) ([]entity.Entity, error) {
	recs, err := s.Find(ctx, primary, store.Query{ClientID: clientID})
	if err != nil {
		return nil, err
	}
	items := make([]entity.Entity, len(recs))
	byID := make(map[int64]entity.Entity, len(recs))
	ids := make([]int64, len(recs))
	for i, r := range recs {
		items[i] = r.Entity
		byID[r.Entity.SurrogateID()] = r.Entity
		ids[i] = r.Entity.SurrogateID()
	}
	if len(items) == 0 {
		return items, nil
	}

	children := entity.Children(primary.Name)
	loaded := make([][]store.Record, len(children))
	g, gctx := errgroup.WithContext(ctx)
	for i, ct := range children {
		g.Go(func() error {
			recs, err := s.Find(gctx, ct, store.Query{ParentIDs: ids})
			if err != nil {
				return fmt.Errorf("load %s: %w", ct.Name, err)
			}
			loaded[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, ct := range children {
		for _, r := range loaded[i] {
			if parent, ok := byID[r.ParentID]; ok {
				ct.Attach(parent, r.Entity)
			}
		}
	}
	return items, nil
}

// Request describes one export run. Fields, when set, select and order the
// written columns.
type Request struct {
	OperationID string
	ClientID    int64
	Format      string
	Params      core.Params
	Fields      []layout.Field
}

// Deps are the collaborators an export job runs against.
type Deps struct {
	Store     store.Store
	Tracker   *progress.Tracker
	Engine    *Engine
	OutputDir string
}

// Result summarizes a finished export.
type Result struct {
	OperationID  string      `json:"operationId"`
	Status       core.Status `json:"status"`
	Rows         int         `json:"rows"`
	FileName     string      `json:"fileName,omitempty"`
	ContentType  string      `json:"contentType,omitempty"`
	ArtifactPath string      `json:"-"`
	Error        string      `json:"error,omitempty"`
}

// Run loads, renders and writes the artifact, recording progress as an
// EXPORT operation.
func Run(ctx context.Context, req Request, deps Deps) (res Result) {
	log := logging.WithFields(ctx, "operation_id", req.OperationID, "client_id", req.ClientID, "format", req.Format)
	persistCtx := context.WithoutCancel(ctx)
	res = Result{OperationID: req.OperationID, Status: core.StatusProcessing}
	var counters core.Counters

	fail := func(err error) Result {
		res.Status = core.StatusFailed
		res.Error = err.Error()
		if ferr := deps.Tracker.Fail(persistCtx, req.OperationID, counters, err); ferr != nil {
			log.Error("record export failure failed", "error", ferr)
		}
		log.Error("export failed", "error", err)
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in export", "panic", r)
			res = fail(fmt.Errorf("internal error: %v", r))
		}
	}()

	if err := deps.Tracker.Init(persistCtx, req.OperationID, core.OperationExport, 0); err != nil {
		log.Error("enter processing failed", "error", err)
		res.Status, res.Error = core.StatusFailed, err.Error()
		return res
	}
	if !deps.Engine.Supports(req.Format) {
		return fail(&core.ExportError{Format: req.Format})
	}
	cancel := func() Result {
		if err := deps.Tracker.Cancel(persistCtx, req.OperationID, counters); err != nil {
			log.Error("record export cancel failed", "error", err)
		}
		log.Info("export cancelled")
		res.Status = core.StatusCancelled
		return res
	}
	if ctx.Err() != nil {
		return cancel()
	}

	typeName := req.Params.Get(core.ParamEntityType, "product")
	primary, ok := entity.Get(typeName)
	if !ok || primary.Secondary() {
		return fail(fmt.Errorf("unknown primary entity type %q", typeName))
	}

	start := time.Now()
	items, err := Load(ctx, deps.Store, req.ClientID, primary)
	if err != nil {
		if ctx.Err() != nil {
			return cancel()
		}
		return fail(err)
	}
	ds, err := Select(primary, Expand(primary, items), req.Fields)
	if err != nil {
		return fail(err)
	}
	counters.Total = int64(len(ds.Rows))
	if err := deps.Tracker.Advance(persistCtx, req.OperationID, counters); err != nil {
		log.Warn("record progress failed", "error", err)
	}

	base := fmt.Sprintf("%s-export-%s", primary.Name, start.UTC().Format("20060102-150405"))
	art, err := deps.Engine.Export(ds, req.Format, base, req.Params)
	if err != nil {
		return fail(err)
	}

	path, err := writeArtifact(deps.OutputDir, req.OperationID, art)
	if err != nil {
		return fail(&core.ExportError{Format: req.Format, Err: err})
	}

	counters.Processed = int64(art.Rows)
	res.Status = core.StatusCompleted
	res.Rows = art.Rows
	res.FileName = art.FileName
	res.ContentType = art.ContentType
	res.ArtifactPath = path
	if err := deps.Tracker.Complete(persistCtx, req.OperationID, counters, path); err != nil {
		log.Error("record export completion failed", "error", err)
	}
	log.Info("export completed",
		"rows", art.Rows,
		"bytes", len(art.Data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

func writeArtifact(dir, id string, art Artifact) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, id+"-"+art.FileName)
	if err := os.WriteFile(path, art.Data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}
