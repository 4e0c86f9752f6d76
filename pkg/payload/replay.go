package payload

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
)

// ReplayPlan is the result of loading a stored Snapshot for replay: a
// new Run seeded with source=REPLAYED and the original Run's verified
// scenarios, skipping AI generation entirely, per SPEC_FULL.md §4.9.
type ReplayPlan struct {
	NewRun    run.Run
	Scenarios []scenario.Scenario
	Env       map[string]string
}

// Replay builds a ReplayPlan from a stored Snapshot. baseURLOverride,
// if non-empty, replaces the original Run's baseUrl; otherwise the
// original is reused. The new Run's SpecLocation/SpecHash are copied
// from the original Run so the replay's lineage to the original spec is
// preserved even though SpecFetch is not re-run.
func Replay(snap Snapshot, original run.Run, baseURLOverride string, triggeredBy string) (ReplayPlan, error) {
	var scenarios []scenario.Scenario
	if err := json.Unmarshal(snap.Scenarios, &scenarios); err != nil {
		return ReplayPlan{}, fmt.Errorf("payload: unmarshal stored scenarios: %w", err)
	}

	baseURL := original.BaseURL
	if baseURLOverride != "" {
		baseURL = baseURLOverride
	}

	newRun := original
	newRun.ID = uuid.New()
	newRun.BaseURL = baseURL
	newRun.Status = run.Requested
	newRun.TriggeredBy = triggeredBy
	newRun.CreatedAt = time.Now()
	newRun.StartedAt = nil
	newRun.CompletedAt = nil
	newRun.DurationMs = nil
	newRun.ErrorMessage = ""
	newRun.ErrorKind = ""

	reassigned := make([]scenario.Scenario, len(scenarios))
	for i, s := range scenarios {
		s.ID = uuid.New()
		s.RunID = newRun.ID
		s.Source = scenario.SourceReplayed
		s.Status = scenario.StatusReady
		reassigned[i] = s
	}

	return ReplayPlan{
		NewRun:    newRun,
		Scenarios: reassigned,
		Env:       snap.Env,
	}, nil
}
