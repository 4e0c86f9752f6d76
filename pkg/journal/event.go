// Package journal implements the append-only RunEvent journal
// (SPEC_FULL.md §4.6): every event for a Run is totally ordered by a
// strictly increasing seq, allocated atomically with any Run status
// write in the same transaction, so the journal remains authoritative
// even when best-effort delivery via pkg/eventbus is lost. Grounded on
// pkg/events/publisher.go's persistAndNotify (tx-wrapped INSERT +
// pg_notify, atomic) and pkg/services/stage_service.go's
// transaction-wrapped multi-entity writes.
package journal

import (
	"time"

	"github.com/google/uuid"

	"github.com/hermanngeorge15/qawave-core/pkg/sanitize"
)

// Type enumerates the event types SPEC_FULL.md §4.6 names.
type Type string

const (
	TypeRequested                Type = "REQUESTED"
	TypeSpecFetched               Type = "SPEC_FETCHED"
	TypeSpecFetchFailed           Type = "SPEC_FETCH_FAILED"
	TypeScenarioCreated           Type = "SCENARIO_CREATED"
	TypeScenarioGenerationFailed  Type = "SCENARIO_GENERATION_FAILED"
	TypeExecutionStarted          Type = "EXECUTION_STARTED"
	TypeExecutionSuccess          Type = "EXECUTION_SUCCESS"
	TypeExecutionFailed           Type = "EXECUTION_FAILED"
	TypeAISuccess                 Type = "AI_SUCCESS"
	TypeAIFailed                  Type = "AI_FAILED"
	TypeQAEvalStarted             Type = "QA_EVAL_STARTED"
	TypeQAEvalDone                Type = "QA_EVAL_DONE"
	TypeQAEvalFailed              Type = "QA_EVAL_FAILED"
	TypeComplete                  Type = "COMPLETE"
	TypeFailed                    Type = "FAILED"
	TypeCancelled                 Type = "CANCELLED"
)

// Event is one append-only journal entry for a Run. Seq is assigned by
// the repository at insertion time within the same transaction as any
// accompanying Run status write, never by the caller, so two events of
// the same Run can never share a seq (SPEC_FULL.md §8).
type Event struct {
	ID         uuid.UUID
	RunID      uuid.UUID
	Seq        int64
	Type       Type
	ScenarioID *uuid.UUID
	StepIndex  *int
	ErrorKind  string
	Message    string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// New builds an Event with its identity fields populated; Seq and
// CreatedAt are left zero for the repository to assign at persist time.
// message is run through sanitize.Message before being stored, so a raw
// err.Error() string passed by a caller never carries a bearer token,
// basic-auth userinfo, or other secret into the journal (SPEC_FULL.md
// §7: "no stack traces, no secrets, no internal identifiers").
func New(runID uuid.UUID, typ Type, message string) Event {
	return Event{
		ID:      uuid.New(),
		RunID:   runID,
		Type:    typ,
		Message: sanitize.Message(message),
	}
}

// WithScenario attaches a scenario reference to an event, returning the
// modified copy for fluent construction at call sites.
func (e Event) WithScenario(scenarioID uuid.UUID) Event {
	e.ScenarioID = &scenarioID
	return e
}

// WithStep attaches a step index to an event.
func (e Event) WithStep(index int) Event {
	e.StepIndex = &index
	return e
}

// WithError attaches an error classification to an event.
func (e Event) WithError(kind string) Event {
	e.ErrorKind = kind
	return e
}

// WithMetadata attaches free-form structured detail (e.g. specHash,
// operation counts) carried alongside the event for observers.
func (e Event) WithMetadata(m map[string]any) Event {
	e.Metadata = m
	return e
}
