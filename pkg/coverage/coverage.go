// Package coverage implements the Coverage & Summary Builder of
// SPEC_FULL.md §4.8: per-operation COVERED/FAILED/UNTESTED accounting,
// the Run-level PASS/FAIL/INCONCLUSIVE verdict, qualityScore, and
// recommendations. No direct teacher analogue computes this kind of
// aggregate report; the formulas are built straight from SPEC_FULL.md's
// own description, consuming pkg/specsource's operation enumeration and
// pkg/scenario's Scenario/StepResult set.
package coverage

import (
	"fmt"
	"strings"

	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
	"github.com/hermanngeorge15/qawave-core/pkg/specsource"
)

// OperationStatus is one enumerated operation's coverage state.
type OperationStatus string

const (
	OpCovered OperationStatus = "COVERED"
	OpFailed  OperationStatus = "FAILED"
	OpUntested OperationStatus = "UNTESTED"
)

// Verdict is the Run-level pass/fail grading.
type Verdict string

const (
	VerdictPass         Verdict = "PASS"
	VerdictFail         Verdict = "FAIL"
	VerdictInconclusive Verdict = "INCONCLUSIVE"
)

// OperationCoverage is one enumerated operation's final coverage state.
type OperationCoverage struct {
	Operation specsource.Operation
	Status    OperationStatus
}

// Snapshot is the coverage+verdict report attached to a Run, per
// SPEC_FULL.md §3's CoverageSnapshot entity.
type Snapshot struct {
	Operations        []OperationCoverage
	OpsTotal           int
	OpsCovered         int
	PassedScenarios    int
	FailedScenarios    int
	ErroredScenarios   int
	OverallVerdict     Verdict
	NarrativeSummary   string
	Recommendations    []string
	QualityScore       int
}

// Build computes a coverage Snapshot from the enumerated spec
// operations and the Run's scenarios (each carrying its StepResults),
// per the rules in SPEC_FULL.md §4.8.
func Build(ops []specsource.Operation, scenarios []scenario.Scenario, allResults map[string][]scenario.StepResult, coverageThreshold float64) Snapshot {
	opState := make(map[string]OperationStatus, len(ops))
	for _, op := range ops {
		opState[opKey(op)] = OpUntested
	}

	var passed, failed, errored int
	var weakAssertions, placeholderGaps bool

	for _, s := range scenarios {
		results := allResults[s.ID.String()]
		scenarioPassed := scenarioVerdict(results)

		switch scenarioPassed {
		case scenario.StepPassed:
			passed++
		case scenario.StepError:
			errored++
		default:
			failed++
		}

		for _, step := range s.Steps {
			if len(step.Expected.BodyFields) == 0 {
				weakAssertions = true
			}
		}

		matched, ok := specsource.MatchOperation(ops, string(firstMethod(s)), firstEndpoint(s))
		if !ok {
			continue
		}
		key := opKey(matched)
		stepPassedForOp := stepOutcomeForOperation(s, results, matched)

		switch {
		case stepPassedForOp == scenario.StepPassed:
			opState[key] = OpCovered
		case opState[key] != OpCovered:
			opState[key] = OpFailed
		}
	}

	for _, r := range allResults {
		for _, sr := range r {
			if sr.ErrorKind == qaerr.PlaceholderUnresolved {
				placeholderGaps = true
			}
		}
	}

	var opsCovered int
	coverage := make([]OperationCoverage, 0, len(ops))
	for _, op := range ops {
		st := opState[opKey(op)]
		if st == OpCovered {
			opsCovered++
		}
		coverage = append(coverage, OperationCoverage{Operation: op, Status: st})
	}

	opsTotal := len(ops)
	totalScenarios := passed + failed + errored
	coveragePct := 0.0
	if opsTotal > 0 {
		coveragePct = float64(opsCovered) / float64(opsTotal)
	}

	// Verdict keys only on failedScenarios, per spec.md §4.8's literal
	// "PASS iff failedScenarios = 0 and coverage >= threshold; FAIL iff
	// failedScenarios > 0; INCONCLUSIVE iff failedScenarios = 0 but
	// coverage < threshold" — erroredScenarios is reported separately
	// but does not itself force FAIL.
	verdict := VerdictFail
	switch {
	case failed == 0 && coveragePct >= coverageThreshold:
		verdict = VerdictPass
	case failed == 0:
		verdict = VerdictInconclusive
	}

	quality := 0
	if totalScenarios > 0 || opsTotal > 0 {
		scenarioRatio := float64(passed) / float64(max1(totalScenarios))
		opsRatio := float64(opsCovered) / float64(max1(opsTotal))
		quality = int(roundHalfAwayFromZero(100 * scenarioRatio * opsRatio))
	}

	var recs []string
	if weakAssertions {
		recs = append(recs, "weak assertions")
	}
	if placeholderGaps {
		recs = append(recs, "placeholder gaps")
	}

	return Snapshot{
		Operations:       coverage,
		OpsTotal:         opsTotal,
		OpsCovered:       opsCovered,
		PassedScenarios:  passed,
		FailedScenarios:  failed,
		ErroredScenarios: errored,
		OverallVerdict:   verdict,
		Recommendations:  recs,
		QualityScore:     quality,
		NarrativeSummary: templateSummary(verdict, passed, failed, errored, opsCovered, opsTotal, quality),
	}
}

func opKey(op specsource.Operation) string {
	return strings.ToUpper(op.Method) + " " + op.PathTemplate
}

func firstMethod(s scenario.Scenario) scenario.Method {
	if len(s.Steps) == 0 {
		return ""
	}
	return s.Steps[0].Method
}

func firstEndpoint(s scenario.Scenario) string {
	if len(s.Steps) == 0 {
		return ""
	}
	return s.Steps[0].Endpoint
}

// stepOutcomeForOperation finds the result of whichever step targets
// matched and returns its verdict, preferring a PASSED outcome if any
// step matches, per SPEC_FULL.md §4.8's "≥1 scenario ... ≥1 PASSED
// step exercising that operation" rule.
func stepOutcomeForOperation(s scenario.Scenario, results []scenario.StepResult, matched specsource.Operation) scenario.StepVerdict {
	best := scenario.StepSkipped
	for i, step := range s.Steps {
		if _, ok := specsource.MatchOperation([]specsource.Operation{matched}, string(step.Method), step.Endpoint); !ok {
			continue
		}
		if i >= len(results) {
			continue
		}
		v := results[i].Status
		if v == scenario.StepPassed {
			return scenario.StepPassed
		}
		best = v
	}
	return best
}

// scenarioVerdict reduces a scenario's step results to a single
// pass/fail/error classification for the passed/failed/errored tallies.
func scenarioVerdict(results []scenario.StepResult) scenario.StepVerdict {
	if len(results) == 0 {
		return scenario.StepFailed
	}
	sawError := false
	for _, r := range results {
		switch r.Status {
		case scenario.StepFailed:
			return scenario.StepFailed
		case scenario.StepError:
			sawError = true
		}
	}
	if sawError {
		return scenario.StepError
	}
	return scenario.StepPassed
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func roundHalfAwayFromZero(f float64) float64 {
	if f < 0 {
		return -roundHalfAwayFromZero(-f)
	}
	whole := float64(int64(f))
	if f-whole >= 0.5 {
		return whole + 1
	}
	return whole
}

// templateSummary is the deterministic fallback narrative, used when no
// LLM call is made or the LLM call fails/times out, per SPEC_FULL.md
// §4.8.
func templateSummary(v Verdict, passed, failed, errored, opsCovered, opsTotal, quality int) string {
	return fmt.Sprintf(
		"Run verdict %s: %d passed, %d failed, %d errored scenarios; %d/%d operations covered; quality score %d.",
		v, passed, failed, errored, opsCovered, opsTotal, quality,
	)
}
