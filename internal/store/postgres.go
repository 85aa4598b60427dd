package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxroute/voxroute/pkg/types"
)

// Compile-time interface check.
var _ Backend = (*PostgresBackend)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id  TEXT         PRIMARY KEY,
    carrier_id  TEXT         NOT NULL DEFAULT '',
    provider    TEXT         NOT NULL DEFAULT '',
    status      TEXT         NOT NULL,
    end_reason  TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_provider ON sessions (provider);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions (started_at);
`

const ddlFailoverEvents = `
CREATE TABLE IF NOT EXISTS failover_events (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    from_provider TEXT         NOT NULL,
    to_provider   TEXT         NOT NULL DEFAULT '',
    reason        TEXT         NOT NULL,
    attempt       INT          NOT NULL,
    outcome       TEXT         NOT NULL,
    error         TEXT         NOT NULL DEFAULT '',
    timestamp     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_failover_events_session_id
    ON failover_events (session_id);
`

const ddlRotationEvents = `
CREATE TABLE IF NOT EXISTS rotation_events (
    id         BIGSERIAL    PRIMARY KEY,
    provider   TEXT         NOT NULL,
    outcome    TEXT         NOT NULL,
    error      TEXT         NOT NULL DEFAULT '',
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_rotation_events_provider
    ON rotation_events (provider);
`

// PostgresBackend persists records to PostgreSQL through a shared
// [pgxpool.Pool]. All methods are safe for concurrent use.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects to the database at dsn and runs [Migrate] to
// ensure all required tables exist.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres backend: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres backend: migrate: %w", err)
	}

	return &PostgresBackend{pool: pool}, nil
}

// Migrate creates all tables and indexes if they do not exist. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlSessions, ddlFailoverEvents, ddlRotationEvents} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}
	return nil
}

// UpsertSession implements [Backend].
func (b *PostgresBackend) UpsertSession(ctx context.Context, rec SessionRecord) error {
	const q = `
		INSERT INTO sessions (session_id, carrier_id, provider, status, end_reason, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, 'epoch'::timestamptz))
		ON CONFLICT (session_id) DO UPDATE SET
		    provider   = EXCLUDED.provider,
		    status     = EXCLUDED.status,
		    end_reason = EXCLUDED.end_reason,
		    ended_at   = EXCLUDED.ended_at`

	_, err := b.pool.Exec(ctx, q,
		rec.SessionID,
		rec.CarrierID,
		rec.Provider,
		rec.Status,
		rec.EndReason,
		rec.StartedAt,
		rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// AppendFailoverEvent implements [Backend].
func (b *PostgresBackend) AppendFailoverEvent(ctx context.Context, ev types.FailoverEvent) error {
	const q = `
		INSERT INTO failover_events
		    (session_id, from_provider, to_provider, reason, attempt, outcome, error, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := b.pool.Exec(ctx, q,
		ev.SessionID,
		ev.FromProvider,
		ev.ToProvider,
		string(ev.Reason),
		ev.Attempt,
		string(ev.Outcome),
		ev.Error,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append failover event: %w", err)
	}
	return nil
}

// AppendRotationEvent implements [Backend].
func (b *PostgresBackend) AppendRotationEvent(ctx context.Context, ev types.RotationEvent) error {
	const q = `
		INSERT INTO rotation_events (provider, outcome, error, timestamp)
		VALUES ($1, $2, $3, $4)`

	_, err := b.pool.Exec(ctx, q,
		ev.Provider,
		string(ev.Outcome),
		ev.Error,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append rotation event: %w", err)
	}
	return nil
}

// Ping verifies database connectivity, for readiness probes.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close implements [Backend].
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
