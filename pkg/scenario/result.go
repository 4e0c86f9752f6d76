package scenario

import (
	"time"

	"github.com/google/uuid"
	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
)

// StepVerdict is the outcome of executing a single Step.
type StepVerdict string

const (
	StepPassed  StepVerdict = "PASSED"
	StepFailed  StepVerdict = "FAILED"
	StepError   StepVerdict = "ERROR"
	StepSkipped StepVerdict = "SKIPPED"
)

// AssertionResult records one checked assertion within a step's
// Expectation, in the order declared (SPEC_FULL.md §4.1).
type AssertionResult struct {
	Locator  string
	Expected string
	Actual   string
	Passed   bool
	Reason   string
}

// StepResult is the outcome of executing one Step.
type StepResult struct {
	RunID            uuid.UUID
	ScenarioID       uuid.UUID
	StepIndex        int
	Status           StepVerdict
	ActualStatusCode int
	ActualHeaders    []HeaderField
	ActualBodyDigest [32]byte
	ActualBodySample []byte // truncated per payload retention policy
	AssertionResults []AssertionResult
	Extracted        map[string]string
	DurationMs       int64
	StartedAt        time.Time
	FinishedAt       time.Time
	FailureReason    string
	ErrorKind        qaerr.Kind
}

// ScenarioOutcome is the aggregate result of running every step of a
// Scenario (SPEC_FULL.md §4.4).
type ScenarioOutcome string

const (
	OutcomePassed ScenarioOutcome = "PASSED"
	OutcomeFailed ScenarioOutcome = "FAILED"
)

// ExecutionContext is per-scenario mutable state threaded through a
// single scenario worker; it is never shared across workers
// (SPEC_FULL.md §5).
type ExecutionContext struct {
	Extracted   map[string]string
	Environment map[string]string
}

// NewExecutionContext seeds a fresh context from a frozen environment
// map merged from Run config.
func NewExecutionContext(environment map[string]string) *ExecutionContext {
	env := make(map[string]string, len(environment))
	for k, v := range environment {
		env[k] = v
	}
	return &ExecutionContext{
		Extracted:   make(map[string]string),
		Environment: env,
	}
}

// Merge folds newly extracted variables from a completed step into the
// context for subsequent steps.
func (c *ExecutionContext) Merge(extracted map[string]string) {
	for k, v := range extracted {
		c.Extracted[k] = v
	}
}
