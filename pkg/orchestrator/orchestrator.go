// Package orchestrator implements the Streaming Pipeline Orchestrator
// of SPEC_FULL.md §4.7: SpecFetch -> bounded AI Stage -> bounded Exec
// Stage -> Coverage/Summary -> terminal Run transition, driving a
// single Run from REQUESTED through to a terminal status with an
// append-only, strictly-ordered journal of every transition. Grounded
// on pkg/queue/pool.go's worker-pool/per-session-cancel-registry shape
// and pkg/agent/orchestrator/runner.go's bounded fan-out/collect idiom
// (see ai_stage.go, exec_stage.go), generalized from "one pool polling
// a sessions table" and "dispatch a sub-agent" to "drive the stages of
// a single Run".
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hermanngeorge15/qawave-core/pkg/aiclient"
	"github.com/hermanngeorge15/qawave-core/pkg/dbrepo"
	"github.com/hermanngeorge15/qawave-core/pkg/httpexec"
	"github.com/hermanngeorge15/qawave-core/pkg/journal"
	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
	"github.com/hermanngeorge15/qawave-core/pkg/resilience"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
	"github.com/hermanngeorge15/qawave-core/pkg/runconfig"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
	"github.com/hermanngeorge15/qawave-core/pkg/specsource"
	"github.com/sony/gobreaker"
)

// FetchFunc loads and parses an OpenAPI document. Production code uses
// specsource.Fetch; tests substitute a stub so seed scenarios don't
// depend on network access, matching pkg/queue/executor_stub.go's
// in-package test-double idiom.
type FetchFunc func(ctx context.Context, source run.SpecSourceKind, location string) (specsource.Document, error)

// Deps bundles every collaborator a Run execution needs. Repo and
// Journal are required; AIProvider and HTTPClient have no default
// since a zero value would silently no-op real calls.
type Deps struct {
	Repo       dbrepo.Repo
	Journal    *journal.Journal
	AIProvider aiclient.Provider
	HTTPClient *httpexec.Client
	Fetch      FetchFunc // defaults to specsource.Fetch if nil
}

// Orchestrator drives Runs through the pipeline. One Orchestrator
// serves every Run in a process; per-Run state lives only on the call
// stack of Execute plus the cancels registry.
type Orchestrator struct {
	repo       dbrepo.Repo
	journal    *journal.Journal
	aiProvider aiclient.Provider
	httpClient *httpexec.Client
	fetch      FetchFunc
	aiBreaker  *gobreaker.CircuitBreaker

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// New builds an Orchestrator from deps, matching pkg/queue.NewWorkerPool's
// constructor-takes-a-config-struct shape.
func New(d Deps) *Orchestrator {
	fetch := d.Fetch
	if fetch == nil {
		fetch = specsource.Fetch
	}
	return &Orchestrator{
		repo:       d.Repo,
		journal:    d.Journal,
		aiProvider: d.AIProvider,
		httpClient: d.HTTPClient,
		fetch:      fetch,
		aiBreaker:  resilience.NewCircuitBreaker("ai-provider"),
		cancels:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// Cancel requests cancellation of runID's in-flight Execute, if any is
// running on this process. Returns false if no such Run is active
// here, matching pkg/queue/pool.go's CancelSession semantics (the
// orphan-recovery sweep handles the case where the owning pod has
// already crashed).
func (o *Orchestrator) Cancel(runID uuid.UUID) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (o *Orchestrator) register(runID uuid.UUID, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[runID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(runID uuid.UUID) {
	o.mu.Lock()
	delete(o.cancels, runID)
	o.mu.Unlock()
}

// Execute drives r.ID through every stage of the pipeline to a
// terminal status. It returns nil once the Run reaches COMPLETE, a
// failure status (terminal but not an error the caller must handle
// specially), or CANCELLED; only an unexpected persistence error is
// returned, per SPEC_FULL.md §4.6's "an illegal transition ... leaves
// prior state intact" invariant applying to orchestrator-internal
// faults too.
func (o *Orchestrator) Execute(parent context.Context, runID uuid.UUID) error {
	ctx, cancel := context.WithCancel(parent)
	o.register(runID, cancel)
	defer func() {
		o.unregister(runID)
		cancel()
	}()

	r, err := o.repo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: load run: %w", err)
	}

	var cfg runconfig.RunConfig
	if err := json.Unmarshal(r.Config.JSON, &cfg); err != nil {
		return fmt.Errorf("orchestrator: decode run config: %w", err)
	}

	doc, err := o.runSpecFetch(ctx, r)
	if o.checkCancelled(ctx, r) {
		return nil
	}
	if err != nil {
		return nil
	}

	scenarios, err := o.runAIStage(ctx, r, cfg, doc)
	if o.checkCancelled(ctx, r) {
		return nil
	}
	if err != nil {
		return nil
	}

	results, err := o.runExecStage(ctx, r, cfg, scenarios)
	if o.checkCancelled(ctx, r) {
		return nil
	}
	if err != nil {
		return nil
	}

	return o.runCoverageStage(ctx, r, cfg, doc, scenarios, results)
}

// checkCancelled transitions r to CANCELLED and journals it if ctx has
// been cancelled, reporting whether it did so. Cancellation is legal
// from any non-terminal status (run.CanTransition), so this check can
// run safely between every stage boundary.
func (o *Orchestrator) checkCancelled(ctx context.Context, r *run.Run) bool {
	if ctx.Err() == nil {
		return false
	}
	// Use a background context for the cancellation bookkeeping itself:
	// the Run's own context is already done, but persisting CANCELLED
	// must still succeed.
	bg := context.Background()
	o.transition(bg, r, run.Cancelled, journal.TypeCancelled, "run cancelled", withError(string(qaerr.Cancelled)))
	return true
}

// transition performs a guarded status change plus its accompanying
// journal event in one repository call (dbrepo.RunRepo.TransitionStatus
// wraps both in a single transaction), then best-effort republishes the
// persisted event over the bus.
func (o *Orchestrator) transition(ctx context.Context, r *run.Run, to run.Status, evType journal.Type, message string, opts ...func(journal.Event) journal.Event) error {
	ev := journal.New(r.ID, evType, message)
	for _, opt := range opts {
		ev = opt(ev)
	}
	persisted, err := o.repo.TransitionStatus(ctx, r.ID, to, time.Now(), ev)
	if err != nil {
		return err
	}
	r.Status = to
	if o.journal != nil {
		o.journal.Republish(ctx, persisted)
	}
	return nil
}

// appendEvent records a non-transitioning journal entry (e.g. a single
// scenario's creation, a single generation failure) via the ordinary
// Journal.Append path.
func (o *Orchestrator) appendEvent(ctx context.Context, ev journal.Event) {
	if o.journal == nil {
		return
	}
	if _, err := o.journal.Append(ctx, ev); err != nil {
		// Best-effort bookkeeping only; the caller's own persisted state
		// (scenario row, step result row) is already durable.
		_ = err
	}
}

func withError(kind string) func(journal.Event) journal.Event {
	return func(e journal.Event) journal.Event { return e.WithError(kind) }
}

func withMetadata(m map[string]any) func(journal.Event) journal.Event {
	return func(e journal.Event) journal.Event { return e.WithMetadata(m) }
}

// runSpecFetch implements the SpecFetch stage (SPEC_FULL.md §4.7 step
// 1): load and parse the spec, record its hash, and transition
// REQUESTED -> SPEC_FETCHED or -> FAILED_SPEC_FETCH.
func (o *Orchestrator) runSpecFetch(ctx context.Context, r *run.Run) (specsource.Document, error) {
	doc, err := o.fetch(ctx, r.SpecSource, r.SpecLocation)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation raced the fetch; let the caller's checkCancelled
			// own the terminal transition instead of racing it to FAILED_SPEC_FETCH.
			return specsource.Document{}, err
		}
		kind := qaerr.SpecFetch
		if qe, ok := err.(*qaerr.Error); ok {
			kind = qe.Kind
		}
		o.transition(ctx, r, run.FailedSpecFetch, journal.TypeSpecFetchFailed, err.Error(), withError(string(kind)))
		return specsource.Document{}, err
	}

	if err := o.repo.SetSpecHash(ctx, r.ID, doc.Hash); err != nil {
		return specsource.Document{}, err
	}
	r.SpecHash = doc.Hash

	meta := map[string]any{"opsTotal": len(doc.Operations)}
	msg := fmt.Sprintf("fetched spec with %d operations", len(doc.Operations))
	if err := o.transition(ctx, r, run.SpecFetched, journal.TypeSpecFetched, msg, withMetadata(meta)); err != nil {
		return specsource.Document{}, err
	}
	return doc, nil
}

// scenario.Scenario clone helper used by the replay path to copy a
// source scenario's shape into a fresh row owned by the new Run.
func cloneScenarioForRun(s scenario.Scenario, newRunID uuid.UUID) scenario.Scenario {
	clone := s
	clone.ID = uuid.New()
	clone.RunID = newRunID
	clone.Source = scenario.SourceReplayed
	clone.Steps = append([]scenario.Step(nil), s.Steps...)
	return clone
}
