package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/JonMunkholm/pricefeed/internal/config"
	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/format"
	"github.com/JonMunkholm/pricefeed/internal/logging"
	"github.com/JonMunkholm/pricefeed/internal/mapping"
	"github.com/JonMunkholm/pricefeed/internal/progress"
	"github.com/JonMunkholm/pricefeed/internal/store"
)

// DefaultEntityType is imported when the entityType parameter is absent.
const DefaultEntityType = "product"

// Request identifies the file and parameters of one import run.
type Request struct {
	OperationID string
	ClientID    int64
	Path        string
	FileName    string
	Params      core.Params
}

// Deps are the collaborators an import job runs against.
type Deps struct {
	Store      store.Store
	Templates  mapping.TemplateStore // may be nil: auto mapping only
	Tracker    *progress.Tracker
	Strategies *format.Registry
	Config     config.ImportConfig
}

// Result summarizes a finished run.
type Result struct {
	OperationID   string                `json:"operationId"`
	Status        core.Status           `json:"status"`
	Counters      core.Counters         `json:"counters"`
	Batches       int                   `json:"batches"`
	FailedBatches int                   `json:"failedBatches"`
	Failures      []core.FailedRow      `json:"failures,omitempty"`
	Strategy      string                `json:"strategy,omitempty"`
	Mapping       string                `json:"mapping,omitempty"`
	Format        format.DetectedFormat `json:"format"`
	Error         string                `json:"error,omitempty"`
	Duration      time.Duration         `json:"duration"`
}

// Job is one import run. It owns the operation's transitions from
// PROCESSING to a terminal status.
type Job struct {
	req   Request
	deps  Deps
	token *CancelToken

	log      *slog.Logger
	result   Result
	pending  []entity.Entity
	rows     int // rows in pending
	batchNum int
}

// NewJob prepares a run. token may be nil.
func NewJob(req Request, deps Deps, token *CancelToken) *Job {
	if token == nil {
		token = NewCancelToken(ParseCheckInterval(req.Params.Get(core.ParamCancelCheck, deps.Config.CancelCheck)))
	}
	return &Job{
		req:   req,
		deps:  deps,
		token: token,
		result: Result{
			OperationID: req.OperationID,
			Status:      core.StatusProcessing,
		},
	}
}

// Run executes the import and records its terminal state. Cancellation of
// ctx is treated like the cancel token: the current batch commit finishes,
// nothing further is read.
func (j *Job) Run(ctx context.Context) (res Result) {
	start := time.Now()
	j.log = logging.WithFields(ctx,
		"operation_id", j.req.OperationID,
		"client_id", j.req.ClientID,
		"file", j.req.FileName,
	)
	// Status writes must land even when ctx is cancelled at shutdown.
	persistCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			j.log.Error("panic in import", "panic", r)
			j.finish(persistCtx, fmt.Errorf("internal error: %v", r))
		}
		j.result.Duration = time.Since(start)
		res = j.result
	}()

	if err := j.deps.Tracker.Init(persistCtx, j.req.OperationID, core.OperationImport, 0); err != nil {
		j.log.Error("enter processing failed", "error", err)
		j.result.Status = core.StatusFailed
		j.result.Error = err.Error()
		return
	}
	j.log.Info("import started")

	j.finish(persistCtx, j.run(ctx, persistCtx))
	return
}

// finish records the terminal state derived from err.
func (j *Job) finish(ctx context.Context, err error) {
	if j.result.Status.Terminal() {
		return
	}
	c := j.result.Counters
	var terr error
	switch {
	case err == nil:
		j.result.Status = core.StatusCompleted
		terr = j.deps.Tracker.Complete(ctx, j.req.OperationID, c, "")
		j.log.Info("import completed",
			"processed", c.Processed,
			"persisted", c.Persisted,
			"failed", c.Failed,
			"batches", j.result.Batches,
			"failed_batches", j.result.FailedBatches,
		)
	case errors.Is(err, core.ErrCancelled):
		j.result.Status = core.StatusCancelled
		j.result.Error = err.Error()
		terr = j.deps.Tracker.Cancel(ctx, j.req.OperationID, c)
		j.log.Info("import cancelled", "processed", c.Processed)
	default:
		j.result.Status = core.StatusFailed
		j.result.Error = err.Error()
		terr = j.deps.Tracker.Fail(ctx, j.req.OperationID, c, err)
		j.log.Error("import failed", "error", err, "processed", c.Processed)
	}
	if terr != nil {
		j.log.Error("record terminal status failed", "status", j.result.Status, "error", terr)
	}
}

func (j *Job) cancelled(ctx context.Context) bool {
	return j.token.Cancelled() || ctx.Err() != nil
}

func (j *Job) run(ctx, persistCtx context.Context) error {
	if j.cancelled(ctx) {
		return core.ErrCancelled
	}
	if err := j.verifyFile(); err != nil {
		return err
	}

	strategy, err := j.deps.Strategies.Select(j.req.Params.Get(core.ParamStrategyID, ""), j.req.FileName)
	if err != nil {
		return err
	}
	j.result.Strategy = strategy.ID()

	reader, detected, err := strategy.Open(j.req.Path, format.OptionsFromParams(j.req.Params))
	if err != nil {
		return err
	}
	defer reader.Close()
	j.result.Format = detected

	if total, err := strategy.Estimate(j.req.Path, detected); err != nil {
		j.log.Warn("estimate rows failed", "error", err)
	} else if total > 0 {
		j.result.Counters.Total = total
		j.advance(persistCtx)
	}

	builder, err := entity.NewBuilder(j.req.Params.Get(core.ParamEntityType, DefaultEntityType), j.req.ClientID)
	if err != nil {
		return &core.MappingError{Reason: err.Error()}
	}
	headers := reader.Header()
	mapper, err := j.resolveMapper(ctx, headers, builder)
	if err != nil {
		return err
	}
	j.result.Mapping = mapper.Origin()

	// Header pre-pass: nothing is persisted when required columns are missing.
	if err := mapper.ValidateHeaders(headers); err != nil {
		return err
	}

	policyName := j.req.Params.Get(core.ParamDuplicatePolicy, j.deps.Config.DuplicatePolicy)
	policy, err := store.ParsePolicy(policyName)
	if err != nil {
		return err
	}
	coord := NewCoordinator(j.deps.Store, policy)
	batchSize := j.req.Params.Int(core.ParamBatchSize, j.deps.Config.BatchSize)
	if batchSize <= 0 {
		batchSize = 500
	}

	j.log.Debug("streaming rows",
		"strategy", strategy.ID(),
		"mapping", mapper.Origin(),
		"batch_size", batchSize,
		"policy", policy,
		"cancel_check", j.token.Interval,
	)

	for {
		if j.token.Interval == PerRow && j.cancelled(ctx) {
			return core.ErrCancelled
		}
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}

		ents, err := buildRow(mapper, builder, row)
		if err != nil {
			j.reject(row.Line, err)
			continue
		}
		if len(ents) == 0 {
			continue
		}
		j.pending = append(j.pending, ents...)
		j.rows++

		if j.rows >= batchSize {
			if j.cancelled(ctx) {
				return core.ErrCancelled
			}
			j.flush(persistCtx, coord)
		}
	}

	if j.rows > 0 {
		if j.cancelled(ctx) {
			return core.ErrCancelled
		}
		j.flush(persistCtx, coord)
	}
	return nil
}

func (j *Job) verifyFile() error {
	info, err := os.Stat(j.req.Path)
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("upload %s is a directory", filepath.Base(j.req.Path))
	}
	if info.Size() == 0 {
		return &core.DetectionError{Reason: "empty input"}
	}
	if limit := j.deps.Config.MaxFileSize; limit > 0 && info.Size() > limit {
		return fmt.Errorf("file size %d: %w of %d bytes", info.Size(), core.ErrTooLarge, limit)
	}
	return nil
}

// resolveMapper picks, in order: the templateId parameter, the stored
// default for the client and entity type, the best-matching stored
// template, and finally auto mapping.
func (j *Job) resolveMapper(ctx context.Context, headers []string, b *entity.Builder) (*mapping.Mapper, error) {
	ts := j.deps.Templates
	if ts == nil {
		return mapping.Auto(headers, b), nil
	}
	entityType := b.Primary().Name

	if id := j.req.Params.Get(core.ParamTemplateID, ""); id != "" {
		tpl, err := ts.GetTemplate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load template %s: %w", id, err)
		}
		return mapping.FromTemplate(tpl, b, headers)
	}

	tpl, err := ts.DefaultTemplate(ctx, j.req.ClientID, entityType)
	switch {
	case err == nil:
		return mapping.FromTemplate(tpl, b, headers)
	case !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("load default template: %w", err)
	}

	list, err := ts.ListTemplates(ctx, j.req.ClientID, entityType)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	if best := mapping.BestTemplate(headers, list); best != nil {
		return mapping.FromTemplate(best, b, headers)
	}
	return mapping.Auto(headers, b), nil
}

// buildRow maps and validates one row. A nil slice with a nil error means
// the row carried no data.
func buildRow(m *mapping.Mapper, b *entity.Builder, row format.Row) ([]entity.Entity, error) {
	mapped, err := m.Apply(row.Values)
	if err != nil {
		return nil, err
	}
	b.Reset()
	if !b.ApplyRow(mapped) {
		return nil, nil
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

func (j *Job) reject(line int, err error) {
	j.result.Counters.Failed++
	if len(j.result.Failures) < core.MaxStoredFailures {
		j.result.Failures = append(j.result.Failures, core.FailedRow{Line: line, Reason: err.Error()})
	}
	j.log.Debug("row rejected", "line", line, "error", err)
}

// flush commits the pending batch. A failed batch is rolled back, logged
// and counted; the run continues.
func (j *Job) flush(ctx context.Context, coord *Coordinator) {
	j.batchNum++
	rows := j.rows
	accepted, err := coord.Persist(ctx, j.batchNum, j.pending)
	j.pending = j.pending[:0]
	j.rows = 0

	j.result.Batches++
	if err != nil {
		j.result.FailedBatches++
		j.result.Counters.Failed += int64(rows)
		j.log.Error("batch failed", "batch", j.batchNum, "rows", rows, "error", err)
	} else {
		j.result.Counters.Processed += int64(rows)
		j.result.Counters.Persisted += int64(accepted)
	}
	j.advance(ctx)
}

func (j *Job) advance(ctx context.Context) {
	if err := j.deps.Tracker.Advance(ctx, j.req.OperationID, j.result.Counters); err != nil {
		j.log.Warn("record progress failed", "error", err)
	}
}
