// Package service runs import and export operations on bounded worker
// pools and answers queries about them.
//
// An operation is created PENDING when it is submitted, moves to PROCESSING
// when a worker picks it up and ends COMPLETED, FAILED or CANCELLED. The
// service keeps a handle on every operation it runs so callers can cancel
// or wait for it; finished handles are pruned after the progress retention
// window.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/pricefeed/internal/config"
	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/export"
	"github.com/JonMunkholm/pricefeed/internal/format"
	"github.com/JonMunkholm/pricefeed/internal/ingest"
	"github.com/JonMunkholm/pricefeed/internal/logging"
	"github.com/JonMunkholm/pricefeed/internal/progress"
	"github.com/JonMunkholm/pricefeed/internal/store"
	"github.com/JonMunkholm/pricefeed/internal/worker"
)

// ErrFinished is returned when cancelling an operation that already ended.
var ErrFinished = errors.New("operation already finished")

// Service coordinates import and export operations.
type Service struct {
	repo       store.Repository
	tracker    *progress.Tracker
	strategies *format.Registry
	engine     *export.Engine
	cfg        config.Config

	files   *worker.Pool
	exports *worker.Pool

	mu   sync.Mutex
	jobs map[string]*handle
}

// handle is the in-process side of a submitted operation.
type handle struct {
	id    string
	typ   core.OperationType
	token *ingest.CancelToken
	ctx   context.Context
	stop  context.CancelFunc
	done  chan struct{}

	// set before done is closed
	result     Result
	finishedAt time.Time
}

// Result is a finished operation plus the job summary when it ran here.
type Result struct {
	Operation *core.OperationRecord `json:"operation"`
	Import    *ingest.Result        `json:"import,omitempty"`
	Export    *export.Result        `json:"export,omitempty"`
}

// New creates a service and starts its worker pools.
func New(repo store.Repository, tracker *progress.Tracker, cfg *config.Config) (*Service, error) {
	overflow, err := worker.ParseOverflow(cfg.Workers.Overflow)
	if err != nil {
		return nil, err
	}
	detector := format.NewDetector(cfg.Import.PeekBytes, cfg.Import.SampleLines)

	return &Service{
		repo:       repo,
		tracker:    tracker,
		strategies: format.NewRegistry(detector),
		engine:     export.NewEngine(cfg.Export),
		cfg:        *cfg,
		files:      worker.New("files", cfg.Workers.FileWorkers, cfg.Workers.FileQueue, overflow),
		exports:    worker.New("exports", cfg.Workers.ExportWorkers, cfg.Workers.ExportQueue, overflow),
		jobs:       make(map[string]*handle),
	}, nil
}

// Engine returns the export engine, for format lookups.
func (s *Service) Engine() *export.Engine { return s.engine }

// Strategies returns the import strategy registry.
func (s *Service) Strategies() *format.Registry { return s.strategies }

// ImportRequest submits a file for import. Either Path names a file already
// on disk, or Body is copied into the upload directory first.
type ImportRequest struct {
	ClientID int64
	FileName string
	Path     string
	Body     io.Reader
	Params   core.Params
}

// StartImport records a PENDING import and queues it on the files pool.
// With the reject overflow policy a full pool fails the operation and
// returns core.ErrOverloaded.
func (s *Service) StartImport(ctx context.Context, req ImportRequest) (*core.OperationRecord, error) {
	if req.FileName == "" {
		return nil, &core.ValidationError{Field: "file", Message: "file name is required"}
	}

	id := uuid.NewString()
	path, owned := req.Path, false
	if path == "" {
		if req.Body == nil {
			return nil, &core.ValidationError{Field: "file", Message: "no file content"}
		}
		p, err := s.saveUpload(id, req.FileName, req.Body)
		if err != nil {
			return nil, err
		}
		path, owned = p, true
	}

	rec := &core.OperationRecord{
		ID:       id,
		ClientID: req.ClientID,
		FileName: filepath.Base(req.FileName),
		Type:     core.OperationImport,
		Status:   core.StatusPending,
		Params:   maps.Clone(req.Params),
	}
	if err := s.repo.CreateOperation(ctx, rec); err != nil {
		if owned {
			os.Remove(path)
		}
		return nil, fmt.Errorf("create operation: %w", err)
	}

	interval := ingest.ParseCheckInterval(req.Params.Get(core.ParamCancelCheck, s.cfg.Import.CancelCheck))
	h := s.newHandle(ctx, id, core.OperationImport, ingest.NewCancelToken(interval))
	jobReq := ingest.Request{
		OperationID: id,
		ClientID:    req.ClientID,
		Path:        path,
		FileName:    rec.FileName,
		Params:      rec.Params,
	}

	err := s.launch(ctx, s.files, h, func(ctx context.Context) Result {
		if owned {
			defer os.Remove(path)
		}
		res := ingest.NewJob(jobReq, s.importDeps(), h.token).Run(ctx)
		return Result{Import: &res}
	})
	if err != nil {
		if owned {
			os.Remove(path)
		}
		return nil, err
	}

	logging.FromContext(ctx).Info("import queued",
		"operation_id", id,
		"client_id", req.ClientID,
		"file", rec.FileName,
	)
	return rec, nil
}

func (s *Service) importDeps() ingest.Deps {
	return ingest.Deps{
		Store:      s.repo,
		Templates:  s.repo,
		Tracker:    s.tracker,
		Strategies: s.strategies,
		Config:     s.cfg.Import,
	}
}

// saveUpload copies body into the upload directory, enforcing MaxFileSize.
func (s *Service) saveUpload(id, fileName string, body io.Reader) (string, error) {
	dir := s.cfg.Import.UploadDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, id+"-"+filepath.Base(fileName))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}

	limit := s.cfg.Import.MaxFileSize
	src := body
	if limit > 0 {
		src = io.LimitReader(body, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = fmt.Errorf("%w of %d bytes", core.ErrTooLarge, limit)
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("save upload: %w", err)
	}
	return path, nil
}

// ExportRequest asks for the client's data in the named format.
type ExportRequest struct {
	ClientID int64
	Format   string
	Params   core.Params
}

// StartExport records a PENDING export and queues it on the exports pool.
// The export template named by templateId, or the client's default one,
// supplies the format, entity type, strategy and field selection the
// request leaves out. An unsupported format or unknown field is rejected
// before anything is recorded.
func (s *Service) StartExport(ctx context.Context, req ExportRequest) (*core.OperationRecord, error) {
	params := maps.Clone(req.Params)
	if params == nil {
		params = core.Params{}
	}
	tpl, err := s.resolveLayout(ctx, req.ClientID, params)
	if err != nil {
		return nil, err
	}
	if tpl != nil {
		params = tpl.Apply(params)
		params[core.ParamTemplateID] = tpl.ID
		if req.Format == "" {
			req.Format = tpl.Format
		}
	}
	if !s.engine.Supports(req.Format) {
		return nil, &core.ExportError{Format: req.Format}
	}
	params[core.ParamFormat] = req.Format
	fields, err := exportFields(params, tpl)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	rec := &core.OperationRecord{
		ID:       id,
		ClientID: req.ClientID,
		Type:     core.OperationExport,
		Status:   core.StatusPending,
		Params:   params,
	}
	if err := s.repo.CreateOperation(ctx, rec); err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}

	h := s.newHandle(ctx, id, core.OperationExport, ingest.NewCancelToken(ingest.PerBatch))
	jobReq := export.Request{OperationID: id, ClientID: req.ClientID, Format: req.Format, Params: params, Fields: fields}
	deps := export.Deps{Store: s.repo, Tracker: s.tracker, Engine: s.engine, OutputDir: s.cfg.Export.OutputDir}

	err = s.launch(ctx, s.exports, h, func(ctx context.Context) Result {
		res := export.Run(ctx, jobReq, deps)
		return Result{Export: &res}
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("export queued",
		"operation_id", id,
		"client_id", req.ClientID,
		"format", req.Format,
	)
	return rec, nil
}

// newHandle derives the job context from the submitting request's logger
// only; the job outlives the request.
func (s *Service) newHandle(reqCtx context.Context, id string, typ core.OperationType, token *ingest.CancelToken) *handle {
	ctx, stop := context.WithCancel(logging.Detach(reqCtx))
	return &handle{id: id, typ: typ, token: token, ctx: ctx, stop: stop, done: make(chan struct{})}
}

// launch registers h and submits run to pool. A rejected submission fails
// the operation.
func (s *Service) launch(ctx context.Context, pool *worker.Pool, h *handle, run func(context.Context) Result) error {
	s.mu.Lock()
	s.jobs[h.id] = h
	s.mu.Unlock()
	s.tracker.Track(h.id, h.typ)

	err := pool.Submit(func(poolCtx context.Context) {
		// Pool shutdown past its deadline cancels the job.
		release := context.AfterFunc(poolCtx, h.stop)
		defer release()

		var res Result
		defer func() { s.complete(h, res) }()
		res = run(h.ctx)
	})
	if err == nil {
		return nil
	}

	s.mu.Lock()
	delete(s.jobs, h.id)
	s.mu.Unlock()
	h.stop()

	if ferr := s.tracker.Fail(context.WithoutCancel(ctx), h.id, core.Counters{}, err); ferr != nil {
		logging.FromContext(ctx).Error("record rejected operation failed", "operation_id", h.id, "error", ferr)
	}
	logging.FromContext(ctx).Warn("operation rejected", "operation_id", h.id, "pool", pool.Status().Name, "error", err)
	return err
}

func (s *Service) complete(h *handle, res Result) {
	h.stop()
	s.mu.Lock()
	h.result = res
	h.finishedAt = time.Now()
	s.mu.Unlock()
	close(h.done)
}

func (s *Service) handle(id string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Cancel requests cancellation of a queued or running operation. Imports
// stop at their next cancellation check; batches already committed stay.
func (s *Service) Cancel(ctx context.Context, id string) error {
	h := s.handle(id)
	if h == nil {
		rec, err := s.repo.GetOperation(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrFinished, rec.Status)
		}
		return fmt.Errorf("operation %s is not running in this process: %w", id, core.ErrNotFound)
	}

	select {
	case <-h.done:
		return ErrFinished
	default:
	}

	h.token.Cancel()
	if h.typ == core.OperationExport {
		h.stop()
	}
	logging.FromContext(ctx).Info("cancellation requested", "operation_id", id, "operation_type", h.typ)
	return nil
}

// Wait blocks until the operation finishes or ctx is done, then returns
// its record. Operations this process does not run return immediately.
func (s *Service) Wait(ctx context.Context, id string) (Result, error) {
	h := s.handle(id)
	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	rec, err := s.repo.GetOperation(ctx, id)
	if err != nil {
		return Result{}, err
	}
	res := Result{Operation: rec}
	if h != nil {
		s.mu.Lock()
		res.Import, res.Export = h.result.Import, h.result.Export
		s.mu.Unlock()
	}
	return res, nil
}

// Workers reports the state of both pools.
func (s *Service) Workers() []worker.Status {
	return []worker.Status{s.files.Status(), s.exports.Status()}
}

// Prune drops handles of operations finished before the retention window
// and returns how many were removed.
func (s *Service) Prune() int {
	cutoff := time.Now().Add(-s.cfg.Progress.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, h := range s.jobs {
		if !h.finishedAt.IsZero() && !h.finishedAt.After(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Run prunes finished handles on the reap interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.Progress.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(); n > 0 {
				slog.Debug("pruned finished operations", "count", n)
			}
		}
	}
}

// Shutdown stops accepting work and drains both pools. Jobs still running
// when ctx expires are cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []*worker.Pool{s.files, s.exports} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Shutdown(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
