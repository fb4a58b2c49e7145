// Package db mirrors the audit log and controller events into Postgres so
// history survives a wiped control directory and can be queried across runs.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/buildforge/internal/audit"
)

// DB wraps a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the database at url and verifies the connection.
func Open(ctx context.Context, url string) (*DB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close releases the pool.
func (d *DB) Close() {
	d.pool.Close()
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_entries (
    id          TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL,
    ts          TIMESTAMPTZ NOT NULL,
    agent       TEXT NOT NULL,
    phase       TEXT NOT NULL,
    iteration   INTEGER,
    tokens_in   INTEGER,
    tokens_out  INTEGER,
    decision    TEXT NOT NULL,
    artifact    TEXT,
    commit_id   TEXT,
    gate_result BOOLEAN,
    context     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_entries(run_id, ts);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id        BIGSERIAL PRIMARY KEY,
    run_id    TEXT NOT NULL,
    event     TEXT NOT NULL,
    stage     TEXT,
    detail    TEXT,
    ts        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pipeline_run ON pipeline_events(run_id, ts DESC);
`

// Migrate applies the database schema.
func (d *DB) Migrate(ctx context.Context) error {
	var count int
	err := d.pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Record implements audit.Mirror.
func (d *DB) Record(ctx context.Context, e audit.Entry) error {
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal entry context: %w", err)
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO audit_entries
		   (id, run_id, ts, agent, phase, iteration, tokens_in, tokens_out, decision, artifact, commit_id, gate_result, context)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.RunID, ts, e.Agent, e.Phase, e.Iteration, e.TokensIn, e.TokensOut,
		e.Decision, e.ArtifactWritten, e.Commit, e.GateResult, string(ctxJSON),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Purge implements audit.Mirror.
func (d *DB) Purge(ctx context.Context, ids []string) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM audit_entries WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("purge audit entries: %w", err)
	}
	return nil
}

// LogPipelineEvent inserts a controller event.
func (d *DB) LogPipelineEvent(ctx context.Context, runID, event, stage, detail string) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO pipeline_events (run_id, event, stage, detail) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))`,
		runID, event, stage, detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// PipelineEvent is one row of pipeline_events.
type PipelineEvent struct {
	ID        int64
	RunID     string
	Event     string
	Stage     *string
	Detail    *string
	Timestamp time.Time
}

// PipelineHistory returns a run's events, newest first.
func (d *DB) PipelineHistory(ctx context.Context, runID string, limit int) ([]PipelineEvent, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, run_id, event, stage, detail, ts
		 FROM pipeline_events WHERE run_id = $1 ORDER BY ts DESC, id DESC LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &e.Stage, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RunTokens sums recorded token usage per agent for a run.
func (d *DB) RunTokens(ctx context.Context, runID string) (map[string][2]int, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT agent, COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0)
		 FROM audit_entries WHERE run_id = $1 GROUP BY agent`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("sum run tokens: %w", err)
	}
	defer rows.Close()

	out := map[string][2]int{}
	for rows.Next() {
		var agent string
		var in, outTok int64
		if err := rows.Scan(&agent, &in, &outTok); err != nil {
			return nil, fmt.Errorf("scan run tokens: %w", err)
		}
		out[agent] = [2]int{int(in), int(outTok)}
	}
	return out, rows.Err()
}
