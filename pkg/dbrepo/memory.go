package dbrepo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hermanngeorge15/qawave-core/pkg/coverage"
	"github.com/hermanngeorge15/qawave-core/pkg/journal"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
)

// Memory is an in-process Repo for orchestrator unit tests (SPEC_FULL.md
// §8), grounded on pkg/queue/executor_stub.go's in-package test-double
// idiom: a deliberately minimal, single-mutex implementation, never
// meant to be used outside test code.
type Memory struct {
	mu sync.Mutex

	runs          map[uuid.UUID]*run.Run
	seq           map[uuid.UUID]int64
	events        map[uuid.UUID][]journal.Event
	scenarios     map[uuid.UUID][]scenario.Scenario
	stepResults   map[uuid.UUID][]scenario.StepResult // keyed by scenario ID
	payloads      map[uuid.UUID][]byte
	payloadStamps map[uuid.UUID]time.Time
	snapshots     map[uuid.UUID]coverage.Snapshot
}

// NewMemory constructs an empty in-process Repo.
func NewMemory() *Memory {
	return &Memory{
		runs:          make(map[uuid.UUID]*run.Run),
		seq:           make(map[uuid.UUID]int64),
		events:        make(map[uuid.UUID][]journal.Event),
		scenarios:     make(map[uuid.UUID][]scenario.Scenario),
		stepResults:   make(map[uuid.UUID][]scenario.StepResult),
		payloads:      make(map[uuid.UUID][]byte),
		payloadStamps: make(map[uuid.UUID]time.Time),
		snapshots:     make(map[uuid.UUID]coverage.Snapshot),
	}
}

func (m *Memory) CreateRun(ctx context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("dbrepo: run %s not found", id)
	}
	cp := *r
	return &cp, nil
}

// TransitionStatus applies the in-memory equivalent of the real
// repository's transactional status-update-with-event: the mutex
// stands in for the row lock a real transaction would take.
func (m *Memory) TransitionStatus(ctx context.Context, id uuid.UUID, to run.Status, now time.Time, ev journal.Event) (journal.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return journal.Event{}, fmt.Errorf("dbrepo: run %s not found", id)
	}
	if err := r.Transition(to, now); err != nil {
		return journal.Event{}, err
	}

	m.seq[id]++
	ev.Seq = m.seq[id]
	ev.CreatedAt = now
	m.events[id] = append(m.events[id], ev)
	return ev, nil
}

func (m *Memory) SetSpecHash(ctx context.Context, id uuid.UUID, hash [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("dbrepo: run %s not found", id)
	}
	r.SpecHash = hash
	return nil
}

func (m *Memory) SoftDeleteOldRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var count int64
	for id, r := range m.runs {
		if r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			delete(m.runs, id)
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListRunning(ctx context.Context) ([]*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*run.Run
	for _, r := range m.runs {
		if !run.IsTerminal(r.Status) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AppendEvent implements journal.Store directly (not via TransitionStatus)
// for events that carry no status change, e.g. SCENARIO_CREATED.
func (m *Memory) AppendEvent(ctx context.Context, e journal.Event) (journal.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[e.RunID]; !ok {
		return journal.Event{}, fmt.Errorf("dbrepo: run %s not found", e.RunID)
	}
	m.seq[e.RunID]++
	e.Seq = m.seq[e.RunID]
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.events[e.RunID] = append(m.events[e.RunID], e)
	return e, nil
}

func (m *Memory) ListEvents(ctx context.Context, runID uuid.UUID) ([]journal.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]journal.Event, len(m.events[runID]))
	copy(out, m.events[runID])
	return out, nil
}

func (m *Memory) SaveScenario(ctx context.Context, s *scenario.Scenario) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.scenarios[s.RunID]
	for i, existing := range list {
		if existing.ID == s.ID {
			list[i] = *s
			m.scenarios[s.RunID] = list
			return nil
		}
	}
	m.scenarios[s.RunID] = append(list, *s)
	return nil
}

func (m *Memory) ListByRun(ctx context.Context, runID uuid.UUID) ([]scenario.Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]scenario.Scenario, len(m.scenarios[runID]))
	copy(out, m.scenarios[runID])
	return out, nil
}

func (m *Memory) SaveStepResult(ctx context.Context, r scenario.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.stepResults[r.ScenarioID]
	for i, existing := range list {
		if existing.StepIndex == r.StepIndex {
			list[i] = r
			m.stepResults[r.ScenarioID] = list
			return nil
		}
	}
	m.stepResults[r.ScenarioID] = append(list, r)
	return nil
}

func (m *Memory) ListByScenario(ctx context.Context, scenarioID uuid.UUID) ([]scenario.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]scenario.StepResult, len(m.stepResults[scenarioID]))
	copy(out, m.stepResults[scenarioID])
	return out, nil
}

// StepResultsByRun groups results by owning scenario ID, the shape
// pkg/coverage.Build expects as its allResults argument.
func (m *Memory) StepResultsByRun(ctx context.Context, runID uuid.UUID) (map[string][]scenario.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]scenario.StepResult)
	for _, s := range m.scenarios[runID] {
		out[s.ID.String()] = append([]scenario.StepResult{}, m.stepResults[s.ID]...)
	}
	return out, nil
}

func (m *Memory) SavePayload(ctx context.Context, runID uuid.UUID, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.payloads[runID] = cp
	m.payloadStamps[runID] = time.Now()
	return nil
}

func (m *Memory) LoadPayload(ctx context.Context, runID uuid.UUID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.payloads[runID]
	if !ok {
		return nil, fmt.Errorf("dbrepo: no payload stored for run %s", runID)
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

func (m *Memory) DeleteExpiredPayloads(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var count int64
	for id, stamp := range m.payloadStamps {
		if stamp.Before(cutoff) {
			delete(m.payloads, id)
			delete(m.payloadStamps, id)
			count++
		}
	}
	return count, nil
}

func (m *Memory) SaveSnapshot(ctx context.Context, runID uuid.UUID, snap coverage.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[runID] = snap
	return nil
}

func (m *Memory) LoadSnapshot(ctx context.Context, runID uuid.UUID) (coverage.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[runID]
	if !ok {
		return coverage.Snapshot{}, fmt.Errorf("dbrepo: no coverage snapshot for run %s", runID)
	}
	return snap, nil
}
