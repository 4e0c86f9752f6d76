package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hermanngeorge15/qawave-core/pkg/aiverify"
	"github.com/hermanngeorge15/qawave-core/pkg/journal"
	"github.com/hermanngeorge15/qawave-core/pkg/payload"
	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
	"github.com/hermanngeorge15/qawave-core/pkg/resilience"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
	"github.com/hermanngeorge15/qawave-core/pkg/runconfig"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
	"github.com/hermanngeorge15/qawave-core/pkg/specsource"
	"github.com/sony/gobreaker"
)

// aiOutcome is one operation's AI Stage result, carried over the
// bounded results channel described in SPEC_FULL.md §4.7.1.
type aiOutcome struct {
	op     specsource.Operation
	result aiverify.Result
	err    error
}

// runAIStage fans enumerated operations out to at most cfg.AIConcurrency
// concurrent generation workers and collects every result, mirroring
// pkg/agent/orchestrator/runner.go's SubAgentRunner: a bounded worker
// count, a results channel sized to the concurrency limit, and a
// single collecting loop. Unlike SubAgentRunner's caller-driven
// TryGetNext/WaitForNext, the AI Stage is a closed pipeline stage: all
// of a Run's operations are known upfront, so workers drain a closed
// jobs channel and the results channel closes once every worker exits.
func (o *Orchestrator) runAIStage(ctx context.Context, r *run.Run, cfg runconfig.RunConfig, doc specsource.Document) ([]scenario.Scenario, error) {
	// SpecFetch emits at most cfg.MaxScenarios operation descriptors
	// (spec.md §4.7 "opsCh capacity = maxScenarios"); 0 is a hard zero
	// bound, not "unlimited" — a cfg.MaxScenarios = 0 run enumerates no
	// operations and generates no scenarios.
	ops := doc.Operations
	if len(ops) > cfg.MaxScenarios {
		ops = ops[:cfg.MaxScenarios]
	}

	workers := cfg.AIConcurrency
	if workers > len(ops) {
		workers = len(ops)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan specsource.Operation)
	resultsCh := make(chan aiOutcome, cfg.AIConcurrency)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for op := range jobs {
				res, err := o.generateForOperation(ctx, op, ops, r.RequirementText, cfg)
				select {
				case resultsCh <- aiOutcome{op: op, result: res, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, op := range ops {
			select {
			case jobs <- op:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	var scenarios []scenario.Scenario
	var invalidCount int
	var droppedOverCap int

	for outcome := range resultsCh {
		if outcome.err != nil {
			invalidCount++
			o.appendEvent(ctx, journal.New(r.ID, journal.TypeScenarioGenerationFailed, outcome.err.Error()).
				WithError(string(qaerr.AIProvider)).
				WithMetadata(map[string]any{"operation": opLabel(outcome.op)}))
			continue
		}

		for _, inv := range outcome.result.Invalid {
			invalidCount++
			o.appendEvent(ctx, journal.New(r.ID, journal.TypeScenarioGenerationFailed, "scenario failed verification").
				WithMetadata(map[string]any{
					"operation":  opLabel(outcome.op),
					"name":       inv.Name,
					"violations": len(inv.Violations),
					"attempts":   attemptsSummary(outcome.result.Attempts),
				}))
		}

		for _, s := range outcome.result.Scenarios {
			if len(scenarios) >= cfg.MaxScenarios {
				droppedOverCap++
				continue
			}
			s.RunID = r.ID
			if s.ID == uuid.Nil {
				s.ID = uuid.New()
			}
			scenarios = append(scenarios, s)
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if droppedOverCap > 0 {
		slog.Warn("orchestrator: AI stage dropped scenarios past maxScenarios cap", "runId", r.ID, "dropped", droppedOverCap, "cap", cfg.MaxScenarios)
	}

	for i := range scenarios {
		if err := o.repo.SaveScenario(ctx, &scenarios[i]); err != nil {
			return nil, err
		}
		o.appendEvent(ctx, journal.New(r.ID, journal.TypeScenarioCreated, scenarios[i].Name).WithScenario(scenarios[i].ID))
	}

	if len(scenarios) == 0 && cfg.MaxScenarios > 0 {
		if ctx.Err() == nil {
			o.transition(ctx, r, run.FailedGeneration, journal.TypeAIFailed, "no scenarios passed verification",
				withError(string(qaerr.AISchema)), withMetadata(map[string]any{"invalid": invalidCount}))
		}
		return nil, qaerr.New(qaerr.AISchema, "no scenarios passed verification")
	}

	msg := fmt.Sprintf("%d scenarios generated, %d invalid", len(scenarios), invalidCount)
	if err := o.transition(ctx, r, run.AISuccess, journal.TypeAISuccess, msg, withMetadata(map[string]any{"scenarios": len(scenarios), "invalid": invalidCount})); err != nil {
		return nil, err
	}

	if err := o.persistPayload(ctx, r, cfg, scenarios); err != nil {
		slog.Warn("orchestrator: failed to persist replay payload", "runId", r.ID, "error", err)
	}

	return scenarios, nil
}

// generateForOperation wraps aiverify.GenerateForOperation in the
// Resilience Envelope's Retry+Breaker stages (SPEC_FULL.md §4.10),
// falling back to aiverify.GenerateFallback when the breaker is open
// rather than failing the operation outright — the "run continues but
// is marked with reduced quality" behavior the envelope's Execute
// leaves to call sites that have a domain-specific fallback.
func (o *Orchestrator) generateForOperation(ctx context.Context, op specsource.Operation, allOps []specsource.Operation, requirementText string, cfg runconfig.RunConfig) (aiverify.Result, error) {
	policy := &resilience.Policy{
		Retry: resilience.RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   aiRetryBaseDelay,
			Factor:      2,
			Jitter:      0.2,
			Retryable:   isRetryableAI,
		},
	}
	policy.WithBreaker(o.aiBreaker)

	call := func(ctx context.Context) (aiverify.Result, error) {
		return aiverify.GenerateForOperation(ctx, o.aiProvider, op, allOps, requirementText, cfg)
	}

	result, err := resilience.Execute(ctx, policy, call)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return aiverify.GenerateFallback(op), nil
		}
		return aiverify.Result{}, err
	}
	return result, nil
}

func isRetryableAI(err error) bool {
	var qe *qaerr.Error
	if errors.As(err, &qe) {
		return qe.Kind.Retryable()
	}
	return false
}

func opLabel(op specsource.Operation) string {
	return op.Method + " " + op.PathTemplate
}

// attemptsSummary renders an operation's full retry history (every
// attempt, not just the last) into event metadata, since
// aiverify.Result.Attempts itself is never persisted on its own
// (SPEC_FULL.md §4.5's "every attempt ... is observable" audit trail).
// Only emitted alongside SCENARIO_GENERATION_FAILED today: a scenario
// that eventually passes after a retry has no journal event type of
// its own to carry this onto, since spec.md's emitted-event-type list
// is closed and SCENARIO_CREATED only fires for the final passing
// attempt.
func attemptsSummary(attempts []aiverify.Attempt) []map[string]any {
	out := make([]map[string]any, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, map[string]any{
			"number":     a.Number,
			"status":     string(a.Status),
			"violations": len(a.Violations),
		})
	}
	return out
}

// persistPayload stores the canonical replay snapshot on first
// successful entry to AI_SUCCESS, per SPEC_FULL.md §4.9.
func (o *Orchestrator) persistPayload(ctx context.Context, r *run.Run, cfg runconfig.RunConfig, scenarios []scenario.Scenario) error {
	scenariosJSON, err := json.Marshal(scenarios)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal scenarios for payload: %w", err)
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal config for payload: %w", err)
	}

	snap := payload.Snapshot{
		RunID:     r.ID,
		SpecHash:  fmt.Sprintf("%x", r.SpecHash),
		Scenarios: scenariosJSON,
		Env:       processEnv(),
		Config:    configJSON,
	}

	blob, err := payload.Encode(snap)
	if err != nil {
		return fmt.Errorf("orchestrator: encode payload: %w", err)
	}
	return o.repo.SavePayload(ctx, r.ID, blob)
}
