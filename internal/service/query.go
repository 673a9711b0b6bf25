package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/progress"
)

// Operation returns the stored record of id.
func (s *Service) Operation(ctx context.Context, id string) (*core.OperationRecord, error) {
	return s.repo.GetOperation(ctx, id)
}

// Progress returns the live snapshot of id, falling back to the stored
// record once the snapshot has been evicted.
func (s *Service) Progress(ctx context.Context, id string) (progress.Snapshot, error) {
	if snap, ok := s.tracker.Snapshot(id); ok {
		return snap, nil
	}
	rec, err := s.repo.GetOperation(ctx, id)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return progress.FromRecord(rec), nil
}

// Subscribe streams snapshots of id until it reaches a terminal status.
// Untracked operations yield their stored state once.
func (s *Service) Subscribe(ctx context.Context, id string) (<-chan progress.Snapshot, func(), error) {
	if ch, unsubscribe, ok := s.tracker.Subscribe(id); ok {
		return ch, unsubscribe, nil
	}
	rec, err := s.repo.GetOperation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan progress.Snapshot, 1)
	ch <- progress.FromRecord(rec)
	close(ch)
	return ch, func() {}, nil
}

// SubscribeAll streams the snapshots of every operation.
func (s *Service) SubscribeAll() (<-chan progress.Snapshot, func()) {
	return s.tracker.SubscribeAll()
}

// ListActive returns PENDING and PROCESSING operations.
func (s *Service) ListActive(ctx context.Context) ([]core.OperationRecord, error) {
	return s.repo.ListActive(ctx)
}

// ListStuck returns PROCESSING operations not updated within threshold.
// A non-positive threshold uses the configured stuck window.
func (s *Service) ListStuck(ctx context.Context, threshold time.Duration) ([]core.OperationRecord, error) {
	if threshold <= 0 {
		threshold = s.cfg.Progress.StuckAfter
	}
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	return s.repo.ListStuck(ctx, time.Now().Add(-threshold))
}

// Stats counts operations per type and status created within the window.
func (s *Service) Stats(ctx context.Context, window time.Duration) ([]core.OperationStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.repo.Stats(ctx, time.Now().Add(-window))
}

// Artifact locates the file of a completed export.
type Artifact struct {
	Path        string
	FileName    string
	ContentType string
}

// Artifact returns the artifact of a completed export operation.
func (s *Service) Artifact(ctx context.Context, id string) (Artifact, error) {
	rec, err := s.repo.GetOperation(ctx, id)
	if err != nil {
		return Artifact{}, err
	}
	if rec.Type != core.OperationExport || rec.Status != core.StatusCompleted || rec.ArtifactPath == "" {
		return Artifact{}, fmt.Errorf("operation %s has no artifact: %w", id, core.ErrNotFound)
	}
	name := rec.Params.Get(core.ParamFormat, strings.TrimPrefix(filepath.Ext(rec.ArtifactPath), "."))
	ct, err := s.engine.ContentType(name)
	if err != nil {
		ct = "application/octet-stream"
	}
	return Artifact{
		Path:        rec.ArtifactPath,
		FileName:    strings.TrimPrefix(filepath.Base(rec.ArtifactPath), id+"-"),
		ContentType: ct,
	}, nil
}
