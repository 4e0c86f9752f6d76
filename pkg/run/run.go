// Package run defines the Run entity, its status graph, and the guarded
// state-machine transitions described in SPEC_FULL.md §4.6. Field shape
// is grounded on ent/schema/alertsession.go's AlertSession entity
// (status enum, created/started/completed timestamps, error_message),
// generalized from an alert-processing session to a QA pipeline run.
package run

import (
	"time"

	"github.com/google/uuid"
)

// SpecSourceKind distinguishes a spec fetched from a URL from one
// supplied inline in the run request.
type SpecSourceKind string

const (
	SpecSourceURL    SpecSourceKind = "url"
	SpecSourceInline SpecSourceKind = "inline"
)

// Mode is the class of testing this Run performs. Only STANDARD is
// implemented by the core; SECURITY/PERFORMANCE are accepted values
// reserved for a future collaborator per SPEC_FULL.md's Non-goals.
type Mode string

const (
	ModeStandard    Mode = "STANDARD"
	ModeSecurity    Mode = "SECURITY"
	ModePerformance Mode = "PERFORMANCE"
)

// Run is one execution of the pipeline, from spec+requirement through
// to a summary (SPEC_FULL.md §3).
type Run struct {
	ID              uuid.UUID
	Name            string
	Description     string
	RequirementText string
	SpecSource      SpecSourceKind
	SpecLocation    string // URL, or the inline document itself
	SpecHash        [32]byte
	BaseURL         string
	Mode            Mode
	Config          RunConfigRef
	Status          Status
	TriggeredBy     string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationMs      *int64
	ErrorMessage    string
	ErrorKind       string
}

// RunConfigRef avoids an import cycle with pkg/runconfig while keeping
// the field present on Run; orchestrator code holds the live
// runconfig.RunConfig value and only serializes the JSON form here for
// persistence, matching how ent/schema/alertsession.go stores
// session_metadata as opaque JSON rather than a typed embed.
type RunConfigRef struct {
	JSON []byte
}

// New constructs a Run in the REQUESTED state. SpecHash is populated
// later, no later than the transition out of REQUESTED, per the
// invariant in SPEC_FULL.md §3.
func New(name, requirementText, baseURL string, source SpecSourceKind, location string, mode Mode, cfg RunConfigRef, triggeredBy string) *Run {
	return &Run{
		ID:              uuid.New(),
		Name:            name,
		RequirementText: requirementText,
		SpecSource:      source,
		SpecLocation:    location,
		BaseURL:         baseURL,
		Mode:            mode,
		Config:          cfg,
		Status:          Requested,
		TriggeredBy:     triggeredBy,
		CreatedAt:       time.Now(),
	}
}

// Transition validates and applies a status change in memory. Callers
// in pkg/dbrepo (TransitionStatus) wrap this with the transactional seq-allocation and
// persistence described in SPEC_FULL.md §4.6; Run.Transition itself
// only enforces the graph invariant so it can be unit tested without a
// database.
func (r *Run) Transition(to Status, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return &InvalidTransitionError{From: r.Status, To: to}
	}
	r.Status = to
	switch to {
	case SpecFetched:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	case Complete, Cancelled, FailedSpecFetch, FailedGeneration, FailedExecution:
		r.CompletedAt = &now
		if r.StartedAt != nil {
			d := now.Sub(*r.StartedAt).Milliseconds()
			r.DurationMs = &d
		}
	}
	return nil
}
