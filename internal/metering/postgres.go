package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists metering records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_tenant_created ON usage_events (tenant_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS guardrail_audit (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			violation TEXT NOT NULL,
			blocked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_guardrail_audit_tenant_created ON guardrail_audit (tenant_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS session_summaries (
			session_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			language TEXT NOT NULL,
			turns INTEGER NOT NULL,
			interruptions INTEGER NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_summaries_tenant_ended ON session_summaries (tenant_id, ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveUsage(ctx context.Context, event UsageEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_events (id, tenant_id, session_id, resource, amount, provider, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID,
		event.TenantID,
		event.SessionID,
		event.Resource,
		event.Amount,
		event.Provider,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save usage event: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveViolation(ctx context.Context, record ViolationRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO guardrail_audit (id, tenant_id, session_id, turn_id, violation, blocked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID,
		record.TenantID,
		record.SessionID,
		record.TurnID,
		record.Violation,
		record.Blocked,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save violation: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSummary(ctx context.Context, summary SessionSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_summaries
			(session_id, tenant_id, call_id, language, turns, interruptions, duration_seconds, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id) DO UPDATE SET
			turns = EXCLUDED.turns,
			interruptions = EXCLUDED.interruptions,
			duration_seconds = EXCLUDED.duration_seconds,
			ended_at = EXCLUDED.ended_at`,
		summary.SessionID,
		summary.TenantID,
		summary.CallID,
		summary.Language,
		summary.Turns,
		summary.Interruptions,
		summary.DurationSeconds,
		summary.StartedAt,
		summary.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save session summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
