package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/hermanngeorge15/qawave-core/pkg/httpexec"
	"github.com/hermanngeorge15/qawave-core/pkg/journal"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
	"github.com/hermanngeorge15/qawave-core/pkg/runconfig"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
	"github.com/hermanngeorge15/qawave-core/pkg/scenarioexec"
)

// execOutcome is one scenario's Exec Stage result.
type execOutcome struct {
	scenarioID string
	results    []scenario.StepResult
}

// runExecStage fans scenarios out to at most cfg.ExecConcurrency
// concurrent scenario workers, each running its own Scenario Executor
// (pkg/scenarioexec.Execute) against a private ExecutionContext, per
// SPEC_FULL.md §5's "no ExecutionContext is shared across workers"
// invariant. Every StepResult is persisted as soon as it's produced,
// before the scenario or Run moves on, per SPEC_FULL.md §4.7. Each
// scenario also gets its own EXECUTION_SUCCESS/EXECUTION_FAILED event
// as it drains, alongside the stage-level EXECUTION_STARTED/
// EXECUTION_SUCCESS transition events below, per SPEC_FULL.md §4.7/§8's
// "(EXECUTION_STARTED, EXECUTION_SUCCESS|FAILED) pair for the same
// scenario" property.
func (o *Orchestrator) runExecStage(ctx context.Context, r *run.Run, cfg runconfig.RunConfig, scenarios []scenario.Scenario) (map[string][]scenario.StepResult, error) {
	startMsg := fmt.Sprintf("executing %d scenarios", len(scenarios))
	if err := o.transition(ctx, r, run.ExecutionInProgress, journal.TypeExecutionStarted, startMsg, withMetadata(map[string]any{"scenarios": len(scenarios)})); err != nil {
		return nil, err
	}

	workers := cfg.ExecConcurrency
	if !cfg.ParallelExecution {
		workers = 1
	}
	if workers > len(scenarios) {
		workers = len(scenarios)
	}
	if workers < 1 {
		workers = 1
	}

	policy := httpexec.PolicyFromRunConfig(cfg, workers)

	jobs := make(chan int) // index into scenarios
	resultsCh := make(chan execOutcome, workers)
	var mu sync.Mutex
	persistErr := error(nil)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				s := &scenarios[idx]
				onStep := func(sr scenario.StepResult) {
					sr.RunID = r.ID
					sr.ScenarioID = s.ID
					if err := o.repo.SaveStepResult(ctx, sr); err != nil {
						mu.Lock()
						if persistErr == nil {
							persistErr = err
						}
						mu.Unlock()
					}
				}
				outcome := scenarioexec.Execute(ctx, o.httpClient, s, r.BaseURL, processEnv(), policy, cfg.StopOnFirstFailure, onStep)

				if outcome.Status == scenario.OutcomePassed {
					o.appendEvent(ctx, journal.New(r.ID, journal.TypeExecutionSuccess, "scenario execution succeeded").WithScenario(s.ID))
				} else {
					o.appendEvent(ctx, journal.New(r.ID, journal.TypeExecutionFailed, "scenario execution failed").WithScenario(s.ID))
				}

				select {
				case resultsCh <- execOutcome{scenarioID: s.ID.String(), results: outcome.StepResults}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range scenarios {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	allResults := make(map[string][]scenario.StepResult, len(scenarios))
	for outcome := range resultsCh {
		allResults[outcome.scenarioID] = outcome.results
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if persistErr != nil {
		return nil, persistErr
	}

	if err := o.transition(ctx, r, run.ExecutionComplete, journal.TypeExecutionSuccess, "execution stage complete"); err != nil {
		return nil, err
	}
	return allResults, nil
}
