// Package retention periodically enforces data-retention policy:
// soft-deleting old Runs past their retention window, and dropping
// stored Run payloads (replay snapshots) past their own, shorter TTL,
// per SPEC_FULL.md's SUPPLEMENTED FEATURES section (the core spec
// explicitly excludes "indefinite raw-payload retention" as a
// non-goal, but carries no cleanup mechanism of its own). Grounded on
// pkg/cleanup/service.go's ticker-driven Start/Stop/runAll loop.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// RunStore is the subset of pkg/dbrepo a retention pass needs to age
// out completed Runs.
type RunStore interface {
	SoftDeleteOldRuns(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PayloadStore is the subset of pkg/dbrepo a retention pass needs to
// drop stored Run payloads (replay snapshots) past their own TTL,
// independent of the owning Run's retention. Step-result body samples
// are not touched.
type PayloadStore interface {
	DeleteExpiredPayloads(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config controls retention windows and cleanup cadence.
type Config struct {
	RunRetention     time.Duration
	PayloadRetention time.Duration
	Interval         time.Duration
}

// DefaultConfig mirrors pkg/cleanup's defaults, scaled to this
// domain: runs are kept for 30 days, stored Run payloads for 7, and
// the loop sweeps hourly.
func DefaultConfig() Config {
	return Config{
		RunRetention:     30 * 24 * time.Hour,
		PayloadRetention: 7 * 24 * time.Hour,
		Interval:         time.Hour,
	}
}

// Service runs the periodic cleanup loop. All operations are
// idempotent and safe to run from multiple replicas concurrently: a
// soft-delete or row-delete that matches zero rows is a no-op.
type Service struct {
	cfg      Config
	runs     RunStore
	payloads PayloadStore

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, runs RunStore, payloads PayloadStore) *Service {
	return &Service{cfg: cfg, runs: runs, payloads: payloads}
}

// Start launches the background cleanup loop. Calling Start twice
// without an intervening Stop is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("retention: started",
		"run_retention", s.cfg.RunRetention,
		"payload_retention", s.cfg.PayloadRetention,
		"interval", s.cfg.Interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("retention: stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.softDeleteOldRuns(ctx)
	s.deleteExpiredPayloads(ctx)
}

func (s *Service) softDeleteOldRuns(ctx context.Context) {
	count, err := s.runs.SoftDeleteOldRuns(ctx, s.cfg.RunRetention)
	if err != nil {
		slog.Error("retention: soft-delete runs failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention: soft-deleted old runs", "count", count)
	}
}

func (s *Service) deleteExpiredPayloads(ctx context.Context) {
	count, err := s.payloads.DeleteExpiredPayloads(ctx, s.cfg.PayloadRetention)
	if err != nil {
		slog.Error("retention: payload cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention: deleted expired payload bodies", "count", count)
	}
}
