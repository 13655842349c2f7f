package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlEvents creates the audit table. The payload is stored as JSONB so
// operators can query event-specific fields without schema changes.
const ddlEvents = `
CREATE TABLE IF NOT EXISTS maitre_events (
    id         UUID         PRIMARY KEY,
    event      TEXT         NOT NULL,
    session_id TEXT         NOT NULL DEFAULT '',
    ts         TIMESTAMPTZ  NOT NULL,
    payload    JSONB        NOT NULL DEFAULT '{}'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_maitre_events_session
    ON maitre_events (session_id, ts);

CREATE INDEX IF NOT EXISTS idx_maitre_events_event
    ON maitre_events (event, ts);
`

// PostgresSink writes events durably into the maitre_events audit table.
// Wrap it in an [AsyncSink] in production: inserts block on the database.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to the database at dsn and ensures the audit
// schema exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("events: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("events: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlEvents); err != nil {
		pool.Close()
		return nil, fmt.Errorf("events: migrate: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Emit inserts e. Failures are logged, never propagated: losing one audit
// row must not disturb the conversation path.
func (s *PostgresSink) Emit(ctx context.Context, e Event) {
	payload, err := json.Marshal(e.Fields)
	if err != nil {
		slog.Warn("event payload not encodable", "event", e.Type, "error", err)
		payload = []byte("{}")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO maitre_events (id, event, session_id, ts, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Type), e.SID, e.TS, payload,
	)
	if err != nil {
		slog.Warn("event insert failed", "event", e.Type, "sid", e.SID, "error", err)
	}
}

// Ping probes the database. Used as a readiness check.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
