// Package scenarioexec implements the Scenario Executor (SPEC_FULL.md
// §4.4): run a scenario's ordered steps sharing one ExecutionContext,
// short-circuiting on first failure when configured. Grounded on the
// sequential step-then-merge-then-continue driver loop shape of
// pkg/queue/executor.go's main iteration loop, generalized from
// "iterate LLM tool calls" to "iterate HTTP steps".
package scenarioexec

import (
	"context"
	"time"

	"github.com/hermanngeorge15/qawave-core/pkg/httpexec"
	"github.com/hermanngeorge15/qawave-core/pkg/placeholder"
	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
)

// Outcome is the aggregate result of running every step.
type Outcome struct {
	Status      scenario.ScenarioOutcome
	StepResults []scenario.StepResult
}

// Execute runs s's steps in index order against baseURL, seeding a
// fresh ExecutionContext from env. onStep is invoked once per step as
// soon as its StepResult is available, for the caller to persist and
// emit a journal event (SPEC_FULL.md §4.7's "each StepResult is
// persisted immediately").
func Execute(ctx context.Context, client *httpexec.Client, s *scenario.Scenario, baseURL string, env map[string]string, policy httpexec.Policy, stopOnFirstFailure bool, onStep func(scenario.StepResult)) Outcome {
	execCtx := scenario.NewExecutionContext(env)

	attemptedExtractions := make(map[string]bool)
	for _, step := range s.Steps {
		for name := range step.Extractions {
			attemptedExtractions[name] = true
		}
	}

	var results []scenario.StepResult
	stopped := false

	for _, step := range s.Steps {
		if stopped {
			r := skipped(step)
			results = append(results, r)
			onStep(r)
			continue
		}

		if missing := missingExtractionRefs(step, execCtx, attemptedExtractions); len(missing) > 0 {
			r := extractionMissing(step, missing)
			results = append(results, r)
			onStep(r)
			if stopOnFirstFailure {
				stopped = true
			}
			continue
		}

		r := client.Execute(ctx, step, execCtx, baseURL, policy)
		execCtx.Merge(r.Extracted)
		results = append(results, r)
		onStep(r)

		if (r.Status == scenario.StepFailed || r.Status == scenario.StepError) && stopOnFirstFailure {
			stopped = true
		}
	}

	outcome := scenario.OutcomePassed
	for _, r := range results {
		if r.Status != scenario.StepPassed {
			outcome = scenario.OutcomeFailed
			break
		}
	}
	return Outcome{Status: outcome, StepResults: results}
}

func skipped(step scenario.Step) scenario.StepResult {
	now := time.Now()
	return scenario.StepResult{
		StepIndex:     step.Index,
		Status:        scenario.StepSkipped,
		FailureReason: "previous step failed",
		StartedAt:     now,
		FinishedAt:    now,
	}
}

func extractionMissing(step scenario.Step, missing []string) scenario.StepResult {
	now := time.Now()
	return scenario.StepResult{
		StepIndex:     step.Index,
		Status:        scenario.StepFailed,
		ErrorKind:     qaerr.ExtractionMissing,
		FailureReason: "referenced variable was never supplied by an earlier extraction: " + join(missing),
		StartedAt:     now,
		FinishedAt:    now,
	}
}

// missingExtractionRefs returns the names this step references (in its
// endpoint, headers, and body templates) that a prior step declared an
// intent to extract but never actually supplied — the specific case
// SPEC_FULL.md §4.3 step 7 defers to scenario-level checking rather
// than failing the producing step itself.
func missingExtractionRefs(step scenario.Step, ctx *scenario.ExecutionContext, attempted map[string]bool) []string {
	var names []string
	names = append(names, placeholder.Names(step.Endpoint)...)
	for _, h := range step.Headers {
		names = append(names, placeholder.Names(h.Value)...)
	}
	if step.Body != nil {
		names = append(names, placeholder.Names(*step.Body)...)
	}

	var missing []string
	seen := make(map[string]bool)
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		if hasEnvPrefix(n) {
			continue
		}
		if _, ok := ctx.Extracted[n]; ok {
			continue
		}
		if attempted[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

func hasEnvPrefix(name string) bool {
	return len(name) > 4 && name[:4] == "env."
}

func join(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
