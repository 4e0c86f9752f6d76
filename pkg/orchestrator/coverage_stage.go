package orchestrator

import (
	"context"
	"fmt"

	"github.com/hermanngeorge15/qawave-core/pkg/coverage"
	"github.com/hermanngeorge15/qawave-core/pkg/journal"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
	"github.com/hermanngeorge15/qawave-core/pkg/runconfig"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
	"github.com/hermanngeorge15/qawave-core/pkg/specsource"
)

// runCoverageStage implements the Coverage & Summary Builder
// (SPEC_FULL.md §4.8): compute the coverage Snapshot from the
// enumerated operations and every scenario's step results, persist it,
// and carry the Run through QA_EVAL_IN_PROGRESS -> QA_EVAL_DONE ->
// COMPLETE.
func (o *Orchestrator) runCoverageStage(ctx context.Context, r *run.Run, cfg runconfig.RunConfig, doc specsource.Document, scenarios []scenario.Scenario, allResults map[string][]scenario.StepResult) error {
	if err := o.transition(ctx, r, run.QAEvalInProgress, journal.TypeQAEvalStarted, "computing coverage and verdict"); err != nil {
		return err
	}

	snap := coverage.Build(doc.Operations, scenarios, allResults, cfg.CoverageThreshold)

	if err := o.repo.SaveSnapshot(ctx, r.ID, snap); err != nil {
		return err
	}

	msg := fmt.Sprintf("verdict %s, quality score %d", snap.OverallVerdict, snap.QualityScore)
	meta := map[string]any{
		"verdict":      string(snap.OverallVerdict),
		"opsCovered":   snap.OpsCovered,
		"opsTotal":     snap.OpsTotal,
		"qualityScore": snap.QualityScore,
	}
	if err := o.transition(ctx, r, run.QAEvalDone, journal.TypeQAEvalDone, msg, withMetadata(meta)); err != nil {
		return err
	}

	return o.transition(ctx, r, run.Complete, journal.TypeComplete, "run complete")
}
