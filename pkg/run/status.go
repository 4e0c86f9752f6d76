package run

// Status is a Run's position in the lifecycle graph of SPEC_FULL.md §4.6.
type Status string

const (
	Requested            Status = "REQUESTED"
	SpecFetched          Status = "SPEC_FETCHED"
	AISuccess            Status = "AI_SUCCESS"
	ExecutionInProgress  Status = "EXECUTION_IN_PROGRESS"
	ExecutionComplete    Status = "EXECUTION_COMPLETE"
	QAEvalInProgress     Status = "QA_EVAL_IN_PROGRESS"
	QAEvalDone           Status = "QA_EVAL_DONE"
	Complete             Status = "COMPLETE"
	Cancelled            Status = "CANCELLED"
	FailedSpecFetch      Status = "FAILED_SPEC_FETCH"
	FailedGeneration     Status = "FAILED_GENERATION"
	FailedExecution      Status = "FAILED_EXECUTION"
)

// terminal enumerates the states that accept no further transitions,
// per SPEC_FULL.md §4.6 ("Terminal states").
var terminal = map[Status]bool{
	Complete:        true,
	Cancelled:       true,
	FailedSpecFetch: true,
	FailedGeneration: true,
	FailedExecution: true,
}

// IsTerminal reports whether s accepts no further transitions.
func IsTerminal(s Status) bool {
	return terminal[s]
}

// legal maps each non-terminal source status to the set of statuses it
// may transition into. Cancellation from any non-terminal state is
// handled separately in CanTransition rather than listed here, since it
// applies uniformly.
var legal = map[Status]map[Status]bool{
	Requested:           {SpecFetched: true, FailedSpecFetch: true},
	SpecFetched:         {AISuccess: true, FailedGeneration: true},
	AISuccess:           {ExecutionInProgress: true, FailedExecution: true},
	ExecutionInProgress: {ExecutionComplete: true, FailedExecution: true},
	ExecutionComplete:   {QAEvalInProgress: true},
	QAEvalInProgress:    {QAEvalDone: true},
	QAEvalDone:          {Complete: true},
}

// InvalidTransitionError reports an illegal status transition attempt.
// The journal boundary returns this instead of applying any mutation,
// per SPEC_FULL.md §4.6's "an illegal transition fails ... and leaves
// prior state intact" invariant.
type InvalidTransitionError struct {
	From, To Status
}

func (e *InvalidTransitionError) Error() string {
	return "invalid status transition: " + string(e.From) + " -> " + string(e.To)
}

// CanTransition reports whether moving from `from` to `to` is legal.
// Cancellation is legal from any non-terminal status.
func CanTransition(from, to Status) bool {
	if IsTerminal(from) {
		return false
	}
	if to == Cancelled {
		return true
	}
	return legal[from][to]
}
