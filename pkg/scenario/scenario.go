// Package scenario holds the in-memory Scenario/Step/Expectation shape
// shared by the AI Verifier, Scenario Executor, and persistence layer.
// Field shape is grounded on ent/schema/stage.go (Scenario ← Stage:
// ordering index, status enum) and ent/schema/agentexecution.go
// (Step/StepResult ← AgentExecution: per-unit status/timing/error).
package scenario

import "github.com/google/uuid"

// Source identifies how a Scenario came to exist.
type Source string

const (
	SourceAIGenerated Source = "AI_GENERATED"
	SourceManual      Source = "MANUAL"
	SourceImported    Source = "IMPORTED"
	SourceReplayed    Source = "REPLAYED"
	// SourceFallback marks a scenario synthesized by the Resilience
	// Envelope's Fallback stage when the AI circuit is open
	// (SPEC_FULL.md §4.10).
	SourceFallback Source = "FALLBACK"
)

// Status is a Scenario's verification lifecycle state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusReady    Status = "READY"
	StatusInvalid  Status = "INVALID"
	StatusDisabled Status = "DISABLED"
)

// Scenario is one ordered test case belonging to a Run.
type Scenario struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	Name        string
	Description string
	Source      Source
	OperationID string // weak reference only, per SPEC_FULL.md §3 Ownership note
	Steps       []Step
	Status      Status
	Tags        []string
	Priority    int
	Version     int
}

// Method is an HTTP verb a Step may issue.
type Method string

const (
	GET     Method = "GET"
	POST    Method = "POST"
	PUT     Method = "PUT"
	PATCH   Method = "PATCH"
	DELETE  Method = "DELETE"
	HEAD    Method = "HEAD"
	OPTIONS Method = "OPTIONS"
)

// Step is one HTTP action inside a Scenario.
type Step struct {
	Index       int
	Name        string
	Method      Method
	Endpoint    string // may contain ${...} placeholders; path or absolute URL
	Headers     []HeaderField
	Body        *string
	Expected    Expectation
	Extractions map[string]string // variable name -> response locator
}

// HeaderField preserves declaration order, mirroring the spec's
// "headers (ordered map)" requirement — a plain Go map would not.
type HeaderField struct {
	Name  string
	Value string
}

// Expectation is what a Step must observe (SPEC_FULL.md §3/§4.1).
// BodyFields preserves declaration order — the Assertion Evaluator
// must check them in the order declared (SPEC_FULL.md §4.1), which a
// plain Go map cannot guarantee.
type Expectation struct {
	Status     string // integer literal or predicate string; parsed by pkg/assertion
	BodyFields []AssertionField
	Headers    []AssertionField
}

// AssertionField pairs a locator (or, for Headers, a header name) with
// its raw, not-yet-parsed assertion token string.
type AssertionField struct {
	Locator string
	Token   string
}

// Validate enforces the boundary invariants named in SPEC_FULL.md §8:
// a scenario with 0 steps is rejected at creation, and step indices
// must be contiguous 0..n-1.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return errEmptySteps
	}
	for i, step := range s.Steps {
		if step.Index != i {
			return &NonContiguousIndexError{Expected: i, Got: step.Index}
		}
	}
	return nil
}

var errEmptySteps = &EmptyScenarioError{}

// EmptyScenarioError reports a scenario with no steps.
type EmptyScenarioError struct{}

func (e *EmptyScenarioError) Error() string { return "scenario must have at least one step" }

// NonContiguousIndexError reports a step index gap or reorder.
type NonContiguousIndexError struct {
	Expected, Got int
}

func (e *NonContiguousIndexError) Error() string {
	return "step indices must be contiguous starting at 0"
}
