package dbrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hermanngeorge15/qawave-core/pkg/coverage"
	"github.com/hermanngeorge15/qawave-core/pkg/journal"
	"github.com/hermanngeorge15/qawave-core/pkg/qaerr"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
	"github.com/hermanngeorge15/qawave-core/pkg/scenario"
)

// Postgres is the production Repo, backed by jackc/pgx/v5's pool API
// directly rather than database/sql, mirroring how pkg/services'
// ent-generated code issued typed queries against a single shared
// connection pool. Every multi-statement write goes through
// pool.Begin, matching pkg/services/session_service.go's tx/defer
// Rollback idiom.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an already-migrated pgxpool.Pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) CreateRun(ctx context.Context, r *run.Run) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO runs (id, name, description, requirement_text, spec_source, spec_location, spec_hash,
			base_url, mode, run_config, status, triggered_by, created_at, started_at, completed_at,
			duration_ms, error_message, error_kind)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.Name, r.Description, r.RequirementText, string(r.SpecSource), r.SpecLocation, specHashBytes(r.SpecHash),
		r.BaseURL, string(r.Mode), r.Config.JSON, string(r.Status), r.TriggeredBy, r.CreatedAt, r.StartedAt, r.CompletedAt,
		r.DurationMs, r.ErrorMessage, r.ErrorKind)
	if err != nil {
		return fmt.Errorf("dbrepo: create run: %w", err)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, description, requirement_text, spec_source, spec_location, spec_hash,
			base_url, mode, run_config, status, triggered_by, created_at, started_at, completed_at,
			duration_ms, error_message, error_kind
		FROM runs WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanRun(row)
}

func scanRun(row pgx.Row) (*run.Run, error) {
	var r run.Run
	var specSource, mode, status string
	var specHash []byte
	var cfgJSON []byte
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.RequirementText, &specSource, &r.SpecLocation, &specHash,
		&r.BaseURL, &mode, &cfgJSON, &status, &r.TriggeredBy, &r.CreatedAt, &r.StartedAt, &r.CompletedAt,
		&r.DurationMs, &r.ErrorMessage, &r.ErrorKind); err != nil {
		return nil, fmt.Errorf("dbrepo: scan run: %w", err)
	}
	r.SpecSource = run.SpecSourceKind(specSource)
	r.Mode = run.Mode(mode)
	r.Status = run.Status(status)
	r.Config = run.RunConfigRef{JSON: cfgJSON}
	if len(specHash) == 32 {
		copy(r.SpecHash[:], specHash)
	}
	return &r, nil
}

func specHashBytes(h [32]byte) []byte {
	allZero := true
	for _, b := range h {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil
	}
	return h[:]
}

// TransitionStatus loads the current Run row FOR UPDATE inside a
// transaction, validates the transition in memory via run.Transition,
// writes the new status plus the accompanying event, and commits both
// atomically — the transactional status-update-with-event pattern
// SPEC_FULL.md §4.6 requires, grounded on pkg/queue/worker.go's
// claim-row-then-update-in-same-tx shape.
func (p *Postgres) TransitionStatus(ctx context.Context, id uuid.UUID, to run.Status, now time.Time, ev journal.Event) (journal.Event, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return journal.Event{}, fmt.Errorf("dbrepo: begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, name, description, requirement_text, spec_source, spec_location, spec_hash,
			base_url, mode, run_config, status, triggered_by, created_at, started_at, completed_at,
			duration_ms, error_message, error_kind
		FROM runs WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRun(row)
	if err != nil {
		return journal.Event{}, err
	}

	if err := r.Transition(to, now); err != nil {
		return journal.Event{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE runs SET status=$2, started_at=$3, completed_at=$4, duration_ms=$5, error_message=$6, error_kind=$7
		WHERE id=$1`,
		id, string(r.Status), r.StartedAt, r.CompletedAt, r.DurationMs, r.ErrorMessage, r.ErrorKind); err != nil {
		return journal.Event{}, fmt.Errorf("dbrepo: update run status: %w", err)
	}

	persisted, err := appendEventTx(ctx, tx, ev, now)
	if err != nil {
		return journal.Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return journal.Event{}, fmt.Errorf("dbrepo: commit transition: %w", err)
	}
	return persisted, nil
}

func (p *Postgres) SetSpecHash(ctx context.Context, id uuid.UUID, hash [32]byte) error {
	_, err := p.pool.Exec(ctx, `UPDATE runs SET spec_hash=$2 WHERE id=$1`, id, hash[:])
	if err != nil {
		return fmt.Errorf("dbrepo: set spec hash: %w", err)
	}
	return nil
}

func (p *Postgres) SoftDeleteOldRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE runs SET deleted_at = now()
		WHERE deleted_at IS NULL AND completed_at IS NOT NULL AND completed_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("dbrepo: soft delete old runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) ListRunning(ctx context.Context) ([]*run.Run, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, description, requirement_text, spec_source, spec_location, spec_hash,
			base_url, mode, run_config, status, triggered_by, created_at, started_at, completed_at,
			duration_ms, error_message, error_kind
		FROM runs
		WHERE deleted_at IS NULL
		AND status NOT IN ('COMPLETE','CANCELLED','FAILED_SPEC_FETCH','FAILED_GENERATION','FAILED_EXECUTION')`)
	if err != nil {
		return nil, fmt.Errorf("dbrepo: list running: %w", err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendEvent implements journal.Store for events that carry no status
// change (e.g. SCENARIO_CREATED).
func (p *Postgres) AppendEvent(ctx context.Context, e journal.Event) (journal.Event, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return journal.Event{}, fmt.Errorf("dbrepo: begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := e.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	persisted, err := appendEventTx(ctx, tx, e, now)
	if err != nil {
		return journal.Event{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return journal.Event{}, fmt.Errorf("dbrepo: commit append: %w", err)
	}
	return persisted, nil
}

// appendEventTx allocates the next seq for e.RunID inside the caller's
// transaction. It always takes a transaction-scoped advisory lock on
// the run id first, so TransitionStatus (which also holds the run row
// FOR UPDATE) and AppendEvent (which locks no row) serialize the same way.
func appendEventTx(ctx context.Context, tx pgx.Tx, e journal.Event, now time.Time) (journal.Event, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.RunID.String()); err != nil {
		return journal.Event{}, fmt.Errorf("dbrepo: acquire event seq lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM run_events WHERE run_id=$1`, e.RunID).Scan(&seq); err != nil {
		return journal.Event{}, fmt.Errorf("dbrepo: allocate seq: %w", err)
	}

	id := e.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return journal.Event{}, fmt.Errorf("dbrepo: marshal event metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO run_events (id, run_id, seq, type, scenario_id, step_index, error_kind, message, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		id, e.RunID, seq, string(e.Type), e.ScenarioID, e.StepIndex, e.ErrorKind, e.Message, metaJSON, now)
	if err != nil {
		return journal.Event{}, fmt.Errorf("dbrepo: insert event: %w", err)
	}

	e.ID = id
	e.Seq = seq
	e.CreatedAt = now
	return e, nil
}

func (p *Postgres) ListEvents(ctx context.Context, runID uuid.UUID) ([]journal.Event, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, run_id, seq, type, scenario_id, step_index, error_kind, message, metadata, created_at
		FROM run_events WHERE run_id=$1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("dbrepo: list events: %w", err)
	}
	defer rows.Close()

	var out []journal.Event
	for rows.Next() {
		var e journal.Event
		var typ, meta []byte
		var scenarioID *uuid.UUID
		var stepIndex *int
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &typ, &scenarioID, &stepIndex, &e.ErrorKind, &e.Message, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dbrepo: scan event: %w", err)
		}
		e.Type = journal.Type(typ)
		e.ScenarioID = scenarioID
		e.StepIndex = stepIndex
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveScenario(ctx context.Context, s *scenario.Scenario) error {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return fmt.Errorf("dbrepo: marshal steps: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO scenarios (id, run_id, name, description, source, operation_id, status, tags, priority, version, steps)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, description=EXCLUDED.description, source=EXCLUDED.source,
			operation_id=EXCLUDED.operation_id, status=EXCLUDED.status, tags=EXCLUDED.tags,
			priority=EXCLUDED.priority, version=EXCLUDED.version, steps=EXCLUDED.steps`,
		s.ID, s.RunID, s.Name, s.Description, string(s.Source), s.OperationID, string(s.Status), s.Tags, s.Priority, s.Version, steps)
	if err != nil {
		return fmt.Errorf("dbrepo: save scenario: %w", err)
	}
	return nil
}

func (p *Postgres) ListByRun(ctx context.Context, runID uuid.UUID) ([]scenario.Scenario, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, run_id, name, description, source, operation_id, status, tags, priority, version, steps
		FROM scenarios WHERE run_id=$1`, runID)
	if err != nil {
		return nil, fmt.Errorf("dbrepo: list scenarios: %w", err)
	}
	defer rows.Close()

	var out []scenario.Scenario
	for rows.Next() {
		var s scenario.Scenario
		var source, status string
		var steps []byte
		if err := rows.Scan(&s.ID, &s.RunID, &s.Name, &s.Description, &source, &s.OperationID, &status, &s.Tags, &s.Priority, &s.Version, &steps); err != nil {
			return nil, fmt.Errorf("dbrepo: scan scenario: %w", err)
		}
		s.Source = scenario.Source(source)
		s.Status = scenario.Status(status)
		if err := json.Unmarshal(steps, &s.Steps); err != nil {
			return nil, fmt.Errorf("dbrepo: unmarshal steps: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveStepResult(ctx context.Context, r scenario.StepResult) error {
	headers, err := json.Marshal(r.ActualHeaders)
	if err != nil {
		return fmt.Errorf("dbrepo: marshal headers: %w", err)
	}
	assertions, err := json.Marshal(r.AssertionResults)
	if err != nil {
		return fmt.Errorf("dbrepo: marshal assertions: %w", err)
	}
	extracted, err := json.Marshal(r.Extracted)
	if err != nil {
		return fmt.Errorf("dbrepo: marshal extracted: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO step_results (run_id, scenario_id, step_index, status, actual_status_code, actual_headers,
			actual_body_digest, actual_body_sample, assertion_results, extracted, duration_ms, started_at,
			finished_at, failure_reason, error_kind)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (scenario_id, step_index) DO UPDATE SET
			status=EXCLUDED.status, actual_status_code=EXCLUDED.actual_status_code, actual_headers=EXCLUDED.actual_headers,
			actual_body_digest=EXCLUDED.actual_body_digest, actual_body_sample=EXCLUDED.actual_body_sample,
			assertion_results=EXCLUDED.assertion_results, extracted=EXCLUDED.extracted, duration_ms=EXCLUDED.duration_ms,
			started_at=EXCLUDED.started_at, finished_at=EXCLUDED.finished_at, failure_reason=EXCLUDED.failure_reason,
			error_kind=EXCLUDED.error_kind`,
		r.RunID, r.ScenarioID, r.StepIndex, string(r.Status), r.ActualStatusCode, headers,
		r.ActualBodyDigest[:], r.ActualBodySample, assertions, extracted, r.DurationMs, r.StartedAt,
		r.FinishedAt, r.FailureReason, string(r.ErrorKind))
	if err != nil {
		return fmt.Errorf("dbrepo: save step result: %w", err)
	}
	return nil
}

func (p *Postgres) ListByScenario(ctx context.Context, scenarioID uuid.UUID) ([]scenario.StepResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT run_id, scenario_id, step_index, status, actual_status_code, actual_headers,
			actual_body_digest, actual_body_sample, assertion_results, extracted, duration_ms, started_at,
			finished_at, failure_reason, error_kind
		FROM step_results WHERE scenario_id=$1 ORDER BY step_index ASC`, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("dbrepo: list step results: %w", err)
	}
	defer rows.Close()
	return scanStepResults(rows)
}

func (p *Postgres) StepResultsByRun(ctx context.Context, runID uuid.UUID) (map[string][]scenario.StepResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT run_id, scenario_id, step_index, status, actual_status_code, actual_headers,
			actual_body_digest, actual_body_sample, assertion_results, extracted, duration_ms, started_at,
			finished_at, failure_reason, error_kind
		FROM step_results WHERE run_id=$1 ORDER BY scenario_id, step_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("dbrepo: step results by run: %w", err)
	}
	defer rows.Close()

	results, err := scanStepResults(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]scenario.StepResult)
	for _, r := range results {
		key := r.ScenarioID.String()
		out[key] = append(out[key], r)
	}
	return out, nil
}

func scanStepResults(rows pgx.Rows) ([]scenario.StepResult, error) {
	var out []scenario.StepResult
	for rows.Next() {
		var r scenario.StepResult
		var status, errorKind string
		var headers, assertions, extracted []byte
		var digest []byte
		if err := rows.Scan(&r.RunID, &r.ScenarioID, &r.StepIndex, &status, &r.ActualStatusCode, &headers,
			&digest, &r.ActualBodySample, &assertions, &extracted, &r.DurationMs, &r.StartedAt,
			&r.FinishedAt, &r.FailureReason, &errorKind); err != nil {
			return nil, fmt.Errorf("dbrepo: scan step result: %w", err)
		}
		r.Status = scenario.StepVerdict(status)
		r.ErrorKind = qaerr.Kind(errorKind)
		if len(digest) == 32 {
			copy(r.ActualBodyDigest[:], digest)
		}
		if len(headers) > 0 {
			_ = json.Unmarshal(headers, &r.ActualHeaders)
		}
		if len(assertions) > 0 {
			_ = json.Unmarshal(assertions, &r.AssertionResults)
		}
		if len(extracted) > 0 {
			_ = json.Unmarshal(extracted, &r.Extracted)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) SavePayload(ctx context.Context, runID uuid.UUID, blob []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO run_payloads (run_id, body, created_at) VALUES ($1,$2, now())
		ON CONFLICT (run_id) DO UPDATE SET body=EXCLUDED.body, created_at=now()`, runID, blob)
	if err != nil {
		return fmt.Errorf("dbrepo: save payload: %w", err)
	}
	return nil
}

func (p *Postgres) LoadPayload(ctx context.Context, runID uuid.UUID) ([]byte, error) {
	var blob []byte
	err := p.pool.QueryRow(ctx, `SELECT body FROM run_payloads WHERE run_id=$1`, runID).Scan(&blob)
	if err != nil {
		return nil, fmt.Errorf("dbrepo: load payload: %w", err)
	}
	return blob, nil
}

func (p *Postgres) DeleteExpiredPayloads(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM run_payloads WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("dbrepo: delete expired payloads: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) SaveSnapshot(ctx context.Context, runID uuid.UUID, snap coverage.Snapshot) error {
	ops, err := json.Marshal(snap.Operations)
	if err != nil {
		return fmt.Errorf("dbrepo: marshal coverage operations: %w", err)
	}
	recs, err := json.Marshal(snap.Recommendations)
	if err != nil {
		return fmt.Errorf("dbrepo: marshal recommendations: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO coverage_snapshots (run_id, operations, ops_total, ops_covered, passed_scenarios,
			failed_scenarios, errored_scenarios, overall_verdict, narrative_summary, recommendations, quality_score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
		ON CONFLICT (run_id) DO UPDATE SET
			operations=EXCLUDED.operations, ops_total=EXCLUDED.ops_total, ops_covered=EXCLUDED.ops_covered,
			passed_scenarios=EXCLUDED.passed_scenarios, failed_scenarios=EXCLUDED.failed_scenarios,
			errored_scenarios=EXCLUDED.errored_scenarios, overall_verdict=EXCLUDED.overall_verdict,
			narrative_summary=EXCLUDED.narrative_summary, recommendations=EXCLUDED.recommendations,
			quality_score=EXCLUDED.quality_score, created_at=now()`,
		runID, ops, snap.OpsTotal, snap.OpsCovered, snap.PassedScenarios, snap.FailedScenarios,
		snap.ErroredScenarios, string(snap.OverallVerdict), snap.NarrativeSummary, recs, snap.QualityScore)
	if err != nil {
		return fmt.Errorf("dbrepo: save coverage snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) LoadSnapshot(ctx context.Context, runID uuid.UUID) (coverage.Snapshot, error) {
	var snap coverage.Snapshot
	var verdict string
	var ops, recs []byte
	err := p.pool.QueryRow(ctx, `
		SELECT operations, ops_total, ops_covered, passed_scenarios, failed_scenarios, errored_scenarios,
			overall_verdict, narrative_summary, recommendations, quality_score
		FROM coverage_snapshots WHERE run_id=$1`, runID).Scan(
		&ops, &snap.OpsTotal, &snap.OpsCovered, &snap.PassedScenarios, &snap.FailedScenarios, &snap.ErroredScenarios,
		&verdict, &snap.NarrativeSummary, &recs, &snap.QualityScore)
	if err != nil {
		return coverage.Snapshot{}, fmt.Errorf("dbrepo: load coverage snapshot: %w", err)
	}
	snap.OverallVerdict = coverage.Verdict(verdict)
	_ = json.Unmarshal(ops, &snap.Operations)
	_ = json.Unmarshal(recs, &snap.Recommendations)
	return snap, nil
}
