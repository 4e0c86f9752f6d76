// Package dbrepo implements the persistence collaborators SPEC_FULL.md
// §6.1 requires: Run/Scenario/StepResult/RunEvent/CoverageSnapshot/
// Payload storage, each satisfying the narrow interface its consuming
// package already declares (journal.Store, retention.RunStore,
// retention.PayloadStore). Memory provides an in-process fake for
// orchestrator unit tests (SPEC_FULL.md §8); Postgres is the real
// implementation on the pgx pool API (not database/sql) that replaces the dropped
// entgo.io/ent client (see DESIGN.md).
//
// Grounded on pkg/services/session_service.go and
// pkg/services/stage_service.go for the transaction-wrapped
// multi-entity write shape, and pkg/queue/worker.go's claim-then-work
// pattern for row locking (plain FOR UPDATE here), generalized from ent's
// fluent builders to plain SQL since ent code generation cannot be run
// here.
package dbrepo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hermanngeorge15/qawave-core/pkg/coverage"
	"github.com/hermanngeorge15/qawave-core/pkg/journal"
	"github.com/hermanngeorge15/qawave-core/pkg/payload"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
)

// RunRepo persists Run rows and their guarded status transitions. Every
// status change goes through TransitionStatus, which loads the current
// status, validates the transition, appends the accompanying RunEvent,
// and commits both in one transaction, per SPEC_FULL.md §4.6's
// "transactional status-update-with-event" invariant.
type RunRepo interface {
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*run.Run, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, to run.Status, now time.Time, ev journal.Event) (journal.Event, error)
	SetSpecHash(ctx context.Context, id uuid.UUID, hash [32]byte) error
	SoftDeleteOldRuns(ctx context.Context, olderThan time.Duration) (int64, error)
	// ListRunning returns every Run not in a terminal status, used by
	// the orphan-recovery sweep described in SPEC_FULL.md's SUPPLEMENTED
	// FEATURES section to find runs a crashed replica left stranded.
	ListRunning(ctx context.Context) ([]*run.Run, error)
}

// ScenarioRepo persists Scenarios produced by the AI Stage (or supplied
// manually/imported) and the Steps nested within them.
type ScenarioRepo interface {
	SaveScenario(ctx context.Context, s *scenario.Scenario) error
	ListByRun(ctx context.Context, runID uuid.UUID) ([]scenario.Scenario, error)
}

// StepResultRepo persists per-step execution outcomes. ActualBodySample
// arrives already truncated to 64 KiB by pkg/httpexec and is stored as
// given; SPEC_FULL.md's Payload Store handles the larger canonical
// snapshot separately.
type StepResultRepo interface {
	SaveStepResult(ctx context.Context, r scenario.StepResult) error
	ListByScenario(ctx context.Context, scenarioID uuid.UUID) ([]scenario.StepResult, error)
	// StepResultsByRun groups every persisted StepResult under a Run by
	// its owning scenario ID, the shape pkg/coverage.Build consumes.
	// Named distinctly from ScenarioRepo.ListByRun since Memory and
	// Postgres implement both interfaces on one receiver.
	StepResultsByRun(ctx context.Context, runID uuid.UUID) (map[string][]scenario.StepResult, error)
}

// PayloadRepo persists the canonical replay snapshot for a Run.
type PayloadRepo interface {
	SavePayload(ctx context.Context, runID uuid.UUID, blob []byte) error
	LoadPayload(ctx context.Context, runID uuid.UUID) ([]byte, error)
	DeleteExpiredPayloads(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CoverageRepo persists the coverage+verdict Snapshot a Run's final
// phase computes.
type CoverageRepo interface {
	SaveSnapshot(ctx context.Context, runID uuid.UUID, snap coverage.Snapshot) error
	LoadSnapshot(ctx context.Context, runID uuid.UUID) (coverage.Snapshot, error)
}

// EventRepo exposes the raw event list for a Run, beyond the
// append-only journal.Store interface, for API/report consumers that
// need the full timeline rather than a single append.
type EventRepo interface {
	ListEvents(ctx context.Context, runID uuid.UUID) ([]journal.Event, error)
}

// Repo bundles every persistence collaborator the orchestrator and its
// supporting services need, so callers can wire one value instead of
// seven. Both Memory and Postgres satisfy it in full.
type Repo interface {
	RunRepo
	ScenarioRepo
	StepResultRepo
	PayloadRepo
	CoverageRepo
	EventRepo
	journal.Store
}

// decodePayload reconstructs a payload.Snapshot from a stored blob, a
// thin wrapper so the decode/encode boundary in pkg/payload stays the
// single place that knows the storage marker format. Neither Memory nor
// Postgres calls it.
func decodePayload(blob []byte) (payload.Snapshot, error) {
	return payload.Decode(blob)
}
