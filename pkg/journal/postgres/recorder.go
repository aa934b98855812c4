// Package postgres provides a PostgreSQL implementation of journal.Recorder.
// It uses pgx/v5 for connection pooling and appends lifecycle events and
// run summaries to dedicated tables.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runboxd/runbox/pkg/api"
	"github.com/runboxd/runbox/pkg/journal"
)

// Recorder is a PostgreSQL-backed journal.
type Recorder struct {
	pool *pgxpool.Pool
}

// Ensure Recorder implements journal.Recorder at compile time.
var _ journal.Recorder = (*Recorder)(nil)

// New creates a new PostgreSQL recorder with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Recorder, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	r := &Recorder{pool: pool}

	if cfg.MigrateOnStart {
		if err := r.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return r, nil
}

// SessionCreated appends a "created" event.
func (r *Recorder) SessionCreated(ctx context.Context, meta api.SessionMeta) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_events (session_id, event, language, expires_at)
		VALUES ($1, 'created', $2, $3)
	`, meta.SessionID, meta.Language, meta.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting created event: %w", err)
	}
	return nil
}

// SessionExtended appends an "extended" event with the new expiry.
func (r *Recorder) SessionExtended(ctx context.Context, sessionID string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_events (session_id, event, expires_at)
		VALUES ($1, 'extended', $2)
	`, sessionID, expiresAt)
	if err != nil {
		return fmt.Errorf("inserting extended event: %w", err)
	}
	return nil
}

// SessionClosed appends a "closed" event with the teardown reason.
func (r *Recorder) SessionClosed(ctx context.Context, sessionID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_events (session_id, event, reason)
		VALUES ($1, 'closed', $2)
	`, sessionID, reason)
	if err != nil {
		return fmt.Errorf("inserting closed event: %w", err)
	}
	return nil
}

// RunCompleted appends one run summary.
func (r *Recorder) RunCompleted(ctx context.Context, rec journal.RunRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO runs (
			session_id, language, success,
			skipped_packages, skipped_files,
			uploading_ms, installing_ms, executing_ms,
			started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.SessionID, rec.Language, rec.Success,
		rec.SkippedPackages, rec.SkippedFiles,
		rec.Timings.Uploading.Milliseconds(),
		rec.Timings.Installing.Milliseconds(),
		rec.Timings.Executing.Milliseconds(),
		rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run record: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Recorder) Close() error {
	r.pool.Close()
	return nil
}
