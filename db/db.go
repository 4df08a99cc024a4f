// Package db provides the optional Postgres index of capture sessions: a
// connection helper, an idempotent schema migration, and small upsert helpers.
//
// The segment store on disk stays the source of truth. The index only mirrors
// session progress so several recorders can be watched from one place.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection pool for dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("db: empty dsn")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	dbx.SetMaxOpenConns(4)
	dbx.SetConnMaxIdleTime(5 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbx.PingContext(pctx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return dbx, nil
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error { return migratePostgres(ctx, db) }

func migratePostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS capture_sessions (
			broadcast_id TEXT PRIMARY KEY,
			channel TEXT,
			replay_id TEXT,
			state TEXT NOT NULL,
			reason TEXT,
			origin_seconds DOUBLE PRECISION,
			total_seconds DOUBLE PRECISION,
			covered_seconds DOUBLE PRECISION,
			missing_seconds DOUBLE PRECISION,
			ended BOOLEAN DEFAULT FALSE,
			output TEXT,
			started_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS capture_segments (
			broadcast_id TEXT NOT NULL REFERENCES capture_sessions(broadcast_id) ON DELETE CASCADE,
			segment_id TEXT NOT NULL,
			source TEXT NOT NULL,
			seq INTEGER,
			path TEXT,
			start_seconds DOUBLE PRECISION,
			end_seconds DOUBLE PRECISION,
			valid BOOLEAN DEFAULT TRUE,
			recorded_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (broadcast_id, segment_id)
		)`,
		`ALTER TABLE capture_sessions ADD COLUMN IF NOT EXISTS reviews INTEGER DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_capture_sessions_state ON capture_sessions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_capture_segments_start ON capture_segments(broadcast_id, start_seconds)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
