package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
)

// CreateGINIndexes creates full-text/array search GIN indexes not
// expressed as plain column indexes in the migration files. Grounded
// on the teacher's own CreateGINIndexes (full-text search over
// alert_data/final_analysis), generalized to this domain's two
// equivalent free-text columns: a Run's natural-language requirement
// and a Scenario's tag list.
func CreateGINIndexes(ctx context.Context, db *stdsql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_runs_requirement_text_gin
		ON runs USING gin(to_tsvector('english', requirement_text))`)
	if err != nil {
		return fmt.Errorf("failed to create requirement_text GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_scenarios_tags_gin
		ON scenarios USING gin(tags)`)
	if err != nil {
		return fmt.Errorf("failed to create scenarios tags GIN index: %w", err)
	}

	return nil
}
