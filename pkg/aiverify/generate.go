package aiverify

import (
	"context"
	"fmt"
	"strings"

	"github.com/hermanngeorge15/qawave-core/pkg/aiclient"
	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
	"github.com/hermanngeorge15/qawave-core/pkg/runconfig"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
	"github.com/hermanngeorge15/qawave-core/pkg/specsource"
)

// AttemptStatus classifies one generation attempt's outcome.
type AttemptStatus string

const (
	AttemptPassed  AttemptStatus = "PASSED"
	AttemptRetried AttemptStatus = "RETRIED"
	AttemptFailed  AttemptStatus = "FAILED"
)

// Attempt records one round-trip to the AI provider, kept for the
// Run's audit trail (SPEC_FULL.md §4.5: every attempt, not just the
// last, is observable).
type Attempt struct {
	Number      int
	Status      AttemptStatus
	Violations  []Violation
	RawResponse string
}

// InvalidScenario is a decoded-but-unverifiable scenario, kept in the
// Result so the caller can persist it with status=INVALID rather than
// silently dropping it (SPEC_FULL.md §4.5 final-failure path).
type InvalidScenario struct {
	Name       string
	Violations []Violation
}

// Result is the outcome of generating and verifying every scenario
// text block the provider returned for one operation.
type Result struct {
	Scenarios []scenario.Scenario
	Invalid   []InvalidScenario
	Attempts  []Attempt
}

const systemPrompt = `You are an API test scenario generator. Given one OpenAPI operation and ` +
	`the requester's testing requirements, respond with a single JSON object (or array of objects) ` +
	`matching the scenario contract exactly: {name, description, operationId, steps:[{index, name, ` +
	`method, endpoint, headers, body, expected:{status, bodyFields, headers}, extractions}]}. ` +
	`Respond with JSON only, no prose, no markdown code fences.`

// GenerateForOperation drives the AI Stage for a single spec
// operation: build the prompt, call the provider, decode and verify
// the response, and on any violation retry with a corrective hint up
// to cfg.AIVerifyRetries additional times, per SPEC_FULL.md §4.5.
// Grounded on pkg/agent/controller/scoring.go's Run method: a bounded
// for-loop that appends a corrective turn and re-invokes the model
// rather than failing on the first malformed response.
func GenerateForOperation(
	ctx context.Context,
	provider aiclient.Provider,
	op specsource.Operation,
	allOps []specsource.Operation,
	requirementText string,
	cfg runconfig.RunConfig,
) (Result, error) {
	prompt := buildPrompt(op, requirementText)
	var result Result

	maxAttempts := cfg.AIVerifyRetries + 1
	var lastViolations []Violation

	for attemptNum := 1; attemptNum <= maxAttempts; attemptNum++ {
		completion, err := provider.Complete(ctx, prompt, systemPrompt, 0.2, 2048)
		if err != nil {
			if attemptNum == maxAttempts {
				return result, qaerr.New(qaerr.AIProvider, "AI provider call failed: "+err.Error())
			}
			continue
		}

		rawScenarios, parseErr := decodeTopLevel(completion.Text)
		if parseErr != nil {
			attempt := Attempt{
				Number:      attemptNum,
				Status:      AttemptFailed,
				Violations:  []Violation{{Kind: qaerr.AISchema, Detail: "response did not parse as JSON: " + parseErr.Error()}},
				RawResponse: completion.Text,
			}
			result.Attempts = append(result.Attempts, attempt)
			lastViolations = attempt.Violations
			if attemptNum < maxAttempts {
				prompt = prompt + "\n\n" + correctiveHint(attempt.Violations)
				continue
			}
			break
		}

		allPassed := true
		var roundViolations []Violation
		var passedScenarios []scenario.Scenario

		for _, rs := range rawScenarios {
			s, convErr := toScenario(rs)
			if convErr != nil {
				allPassed = false
				roundViolations = append(roundViolations, Violation{Kind: qaerr.AISchema, Detail: convErr.Error()})
				continue
			}
			s.OperationID = op.OperationID

			viol := verifyScenario(rs, s, allOps, cfg.MaxStepsPerScenario)
			if len(viol) > 0 {
				allPassed = false
				roundViolations = append(roundViolations, viol...)
				continue
			}
			s.Status = scenario.StatusReady
			passedScenarios = append(passedScenarios, s)
		}

		if allPassed {
			result.Attempts = append(result.Attempts, Attempt{Number: attemptNum, Status: AttemptPassed, RawResponse: completion.Text})
			result.Scenarios = append(result.Scenarios, passedScenarios...)
			return result, nil
		}

		lastViolations = roundViolations
		status := AttemptRetried
		if attemptNum == maxAttempts {
			status = AttemptFailed
		}
		result.Attempts = append(result.Attempts, Attempt{Number: attemptNum, Status: status, Violations: roundViolations, RawResponse: completion.Text})
		// Keep any scenarios that did pass this round even though
		// others in the same response didn't; retry only refines the
		// prompt, it doesn't discard already-valid output.
		result.Scenarios = append(result.Scenarios, passedScenarios...)

		if attemptNum < maxAttempts {
			prompt = prompt + "\n\n" + correctiveHint(roundViolations)
		}
	}

	if len(result.Scenarios) == 0 {
		result.Invalid = append(result.Invalid, InvalidScenario{
			Name:       fmt.Sprintf("%s %s", op.Method, op.PathTemplate),
			Violations: lastViolations,
		})
	}
	return result, nil
}

// GenerateFallback produces a single synthetic scenario for op without
// calling the provider, for use when the Resilience Envelope's circuit
// breaker reports the AI circuit open (SPEC_FULL.md §4.10).
func GenerateFallback(op specsource.Operation) Result {
	completion := aiclient.FallbackResult(op.OperationID, op.Method, op.PathTemplate)
	rawScenarios, err := decodeTopLevel(completion.Text)
	if err != nil || len(rawScenarios) == 0 {
		return Result{}
	}
	s, err := toScenario(rawScenarios[0])
	if err != nil {
		return Result{}
	}
	s.OperationID = op.OperationID
	s.Source = scenario.SourceFallback
	s.Status = scenario.StatusReady
	return Result{
		Scenarios: []scenario.Scenario{s},
		Attempts:  []Attempt{{Number: 1, Status: AttemptPassed, RawResponse: completion.Text}},
	}
}

func buildPrompt(op specsource.Operation, requirementText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation: %s %s\n", op.Method, op.PathTemplate)
	if op.OperationID != "" {
		fmt.Fprintf(&b, "operationId: %s\n", op.OperationID)
	}
	if op.ParamsSummary != "" {
		fmt.Fprintf(&b, "Parameters: %s\n", op.ParamsSummary)
	}
	if strings.TrimSpace(requirementText) != "" {
		b.WriteString("\nTesting requirements:\n")
		b.WriteString(requirementText)
		b.WriteString("\n")
	}
	return b.String()
}
