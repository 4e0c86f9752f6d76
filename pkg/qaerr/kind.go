// Package qaerr defines the error taxonomy shared across the QA
// Package Execution Core. Every component that can fail attaches one
// of these kinds to its result rather than returning an opaque error,
// so the orchestrator, journal, and reporting layers can reason about
// recoverability without string matching.
package qaerr

// Kind classifies a failure by source and recoverability.
type Kind string

const (
	SpecFetch             Kind = "SPEC_FETCH"
	SpecInvalid            Kind = "SPEC_INVALID"
	AISchema               Kind = "AI_SCHEMA"
	AIAlignment            Kind = "AI_ALIGNMENT"
	AIPlaceholder           Kind = "AI_PLACEHOLDER"
	AIShape                Kind = "AI_SHAPE"
	AIProvider             Kind = "AI_PROVIDER"
	Network                Kind = "NETWORK"
	Timeout                Kind = "TIMEOUT"
	SSRFBlocked            Kind = "SSRF_BLOCKED"
	PlaceholderUnresolved  Kind = "PLACEHOLDER_UNRESOLVED"
	ExtractionMissing      Kind = "EXTRACTION_MISSING"
	Assertion              Kind = "ASSERTION"
	Cancelled              Kind = "CANCELLED"
	Overloaded             Kind = "OVERLOADED"
	Internal               Kind = "INTERNAL"
)

// Error pairs a Kind with a human-readable, already-sanitized message.
// It is the value carried on StepResult.errorKind / RunEvent.errorMessage
// rather than a generic `error` — see SPEC_FULL.md §7.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Retryable reports whether the Resilience Envelope's Retry stage may
// attempt this kind of failure again: Network, Timeout, AIProvider and
// Overloaded are retryable, every other kind is not. A non-2xx
// response from the system under test carries no Kind of its own and
// is not retried; it goes to the Assertion Evaluator.
func (k Kind) Retryable() bool {
	switch k {
	case Network, Timeout, AIProvider, Overloaded:
		return true
	default:
		return false
	}
}
