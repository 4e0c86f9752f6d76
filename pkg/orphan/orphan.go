// Package orphan implements the orphan-run recovery sweep described in
// SPEC_FULL.md's SUPPLEMENTED FEATURES section: a Run a crashed replica
// left stuck EXECUTION_IN_PROGRESS is transitioned to FAILED_EXECUTION
// rather than silently resurrected, since re-running a pipeline stage
// from an arbitrary mid-flight status would violate the at-most-once
// status graph. Grounded on pkg/queue/orphan.go's
// runOrphanDetection/detectAndRecoverOrphans ticker loop, generalized
// from AlertSession.LastInteractionAt heartbeat staleness to Run
// age-since-StartedAt, since Run carries no separate heartbeat column.
package orphan

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hermanngeorge15/qawave-core/pkg/journal"
	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
)

// RunStore is the subset of pkg/dbrepo an orphan sweep needs.
type RunStore interface {
	ListRunning(ctx context.Context) ([]*run.Run, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, to run.Status, now time.Time, ev journal.Event) (journal.Event, error)
}

// Config controls the staleness threshold and sweep cadence.
type Config struct {
	// Threshold is how long a Run may sit in EXECUTION_IN_PROGRESS
	// since StartedAt before it's considered orphaned.
	Threshold time.Duration
	Interval  time.Duration
}

// DefaultConfig mirrors pkg/queue's own orphan-detection defaults.
func DefaultConfig() Config {
	return Config{Threshold: 15 * time.Minute, Interval: 2 * time.Minute}
}

// Sweeper periodically scans for and recovers orphaned Runs.
type Sweeper struct {
	cfg   Config
	store RunStore

	stopCh chan struct{}
	done   chan struct{}
}

// New builds a Sweeper. Call Start to begin the periodic scan.
func New(cfg Config, store RunStore) *Sweeper {
	return &Sweeper{cfg: cfg, store: store, stopCh: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the sweep loop in its own goroutine until ctx is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	running, err := s.store.ListRunning(ctx)
	if err != nil {
		slog.Error("orphan sweep: failed to list running runs", "error", err)
		return
	}

	threshold := time.Now().Add(-s.cfg.Threshold)
	recovered := 0
	for _, r := range running {
		if r.Status != run.ExecutionInProgress {
			continue
		}
		if r.StartedAt == nil || r.StartedAt.After(threshold) {
			continue
		}

		ev := journal.New(r.ID, journal.TypeExecutionFailed, "orphan recovery: run exceeded execution staleness threshold").
			WithError(string(qaerr.Internal))
		if _, err := s.store.TransitionStatus(ctx, r.ID, run.FailedExecution, time.Now(), ev); err != nil {
			slog.Error("orphan sweep: failed to recover orphaned run", "runId", r.ID, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		slog.Warn("orphan sweep: recovered orphaned runs", "count", recovered)
	}
}
