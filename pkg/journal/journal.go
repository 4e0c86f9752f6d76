package journal

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Store is the persistence collaborator journal depends on (implemented
// by pkg/dbrepo): append assigns Seq atomically and returns the
// persisted Event, in a transaction of its own. A status change and its
// event are written together by dbrepo's TransitionStatus, not through
// this interface.
type Store interface {
	AppendEvent(ctx context.Context, e Event) (Event, error)
}

// Publisher is the best-effort fan-out collaborator (pkg/eventbus).
// Publish errors are logged, never returned: bus delivery loss must
// never affect correctness, per SPEC_FULL.md §6's "loss of bus delivery
// does not affect correctness" invariant.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte)
}

// Journal appends RunEvents to Store and best-effort fans them out via
// Publisher, mirroring pkg/events/publisher.go's persistAndNotify split
// between durable persistence and transient notification.
type Journal struct {
	store     Store
	publisher Publisher
}

func New(store Store, publisher Publisher) *Journal {
	return &Journal{store: store, publisher: publisher}
}

// channelForRun matches pkg/events/manager.go's "session:{id}" naming,
// generalized to "run:{id}" per SPEC_FULL.md §6.2.
func channelForRun(runID string) string { return "run:" + runID }

// Append persists e (assigning its Seq) and, on success, best-effort
// publishes it. The returned Event carries the assigned Seq and
// CreatedAt for the caller to log or return to an API client.
func (j *Journal) Append(ctx context.Context, e Event) (Event, error) {
	persisted, err := j.store.AppendEvent(ctx, e)
	if err != nil {
		return Event{}, err
	}

	if j.publisher != nil {
		j.notify(ctx, persisted)
	}
	return persisted, nil
}

// eventWire is the payload shape delivered over the bus: routing
// fields only, matching pkg/events/publisher.go's truncated-payload
// design — subscribers that need the full event reload it from the
// journal via its ID, the bus is not the source of truth.
type eventWire struct {
	ID         string `json:"id"`
	RunID      string `json:"runId"`
	Seq        int64  `json:"seq"`
	Type       Type   `json:"type"`
	ScenarioID string `json:"scenarioId,omitempty"`
	ErrorKind  string `json:"errorKind,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Republish re-announces an already-persisted event over the bus, for
// callers that write the event through a different transactional path
// than Append (pkg/orchestrator's status transitions go through
// dbrepo.RunRepo.TransitionStatus directly, so the seq allocation and
// the Run status write stay in one transaction).
func (j *Journal) Republish(ctx context.Context, e Event) {
	if j.publisher != nil {
		j.notify(ctx, e)
	}
}

func (j *Journal) notify(ctx context.Context, e Event) {
	wire := eventWire{
		ID:        e.ID.String(),
		RunID:     e.RunID.String(),
		Seq:       e.Seq,
		Type:      e.Type,
		ErrorKind: e.ErrorKind,
		Message:   e.Message,
	}
	if e.ScenarioID != nil {
		wire.ScenarioID = e.ScenarioID.String()
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		slog.Warn("journal: failed to marshal event for bus delivery", "error", err)
		return
	}
	j.publisher.Publish(ctx, channelForRun(e.RunID.String()), payload)
}
