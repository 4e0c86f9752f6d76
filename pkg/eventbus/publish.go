package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the minimal executor Publisher needs; *pgxpool.Pool satisfies
// it, matching the connection pool pkg/dbrepo already holds so no
// second pool is opened just to send NOTIFY.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// poolAdapter narrows *pgxpool.Pool.Exec's pgconn.CommandTag return to
// the plain int64 RowsAffected Pool expects, keeping pgxpool out of
// journal's import graph.
type poolAdapter struct{ *pgxpool.Pool }

func (p poolAdapter) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// NewPool adapts a *pgxpool.Pool into Pool.
func NewPool(pool *pgxpool.Pool) Pool { return poolAdapter{pool} }

// Publisher issues pg_notify(channel, payload) on its own connection,
// outside of any caller transaction — it implements pkg/journal.Publisher
// and is always best-effort: Publish never returns an error, matching
// pkg/events/publisher.go's notifyOnly, which treats NOTIFY failure as
// loggable but non-fatal.
type Publisher struct {
	pool Pool
}

func NewPublisher(pool Pool) *Publisher { return &Publisher{pool: pool} }

// Publish sends payload on channel, truncating per truncateForNotify if
// it would exceed PostgreSQL's NOTIFY payload ceiling.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) {
	body := truncateForNotify(payload)
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(body)); err != nil {
		slog.Warn("eventbus: pg_notify failed", "channel", channel, "error", err)
	}
}

// truncateForNotify matches pkg/events/publisher.go's buildTruncatedPayload:
// when the full event would exceed PostgreSQL's 8000-byte NOTIFY limit,
// send routing-only fields plus a truncated flag instead of dropping the
// notification entirely — subscribers reload the full event from the
// journal by ID when they see truncated=true.
func truncateForNotify(payload []byte) []byte {
	if len(payload) <= notifyPayloadLimit {
		return payload
	}

	var routing struct {
		ID    string `json:"id"`
		RunID string `json:"runId"`
		Seq   int64  `json:"seq"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(payload, &routing); err != nil {
		return []byte(`{"truncated":true}`)
	}

	out, err := json.Marshal(struct {
		ID        string `json:"id"`
		RunID     string `json:"runId"`
		Seq       int64  `json:"seq"`
		Type      string `json:"type"`
		Truncated bool   `json:"truncated"`
	}{ID: routing.ID, RunID: routing.RunID, Seq: routing.Seq, Type: routing.Type, Truncated: true})
	if err != nil {
		return []byte(`{"truncated":true}`)
	}
	return out
}
