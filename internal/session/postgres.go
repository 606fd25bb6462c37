package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session records in PostgreSQL. The unique key plus
// a single INSERT ... ON CONFLICT statement makes GetOrCreate atomic under
// concurrent webhook deliveries for the same contact.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flow_sessions (
			tenant_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			current_step TEXT NOT NULL DEFAULT 'idle',
			data JSONB NOT NULL DEFAULT '{}',
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, contact_id, kind)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_flow_sessions_expires ON flow_sessions (expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, key Key, ttl time.Duration) (*Record, error) {
	now := time.Now().UTC()

	// One statement covers all three cases: no row (insert), expired row
	// (reset in place so stale state never leaks into the new session), and
	// live row (returned untouched).
	row := s.pool.QueryRow(ctx,
		`INSERT INTO flow_sessions (tenant_id, contact_id, kind, current_step, data, expires_at)
		 VALUES ($1, $2, $3, 'idle', '{}'::jsonb, $4)
		 ON CONFLICT (tenant_id, contact_id, kind) DO UPDATE SET
			current_step = CASE WHEN flow_sessions.expires_at <= now() THEN 'idle' ELSE flow_sessions.current_step END,
			data         = CASE WHEN flow_sessions.expires_at <= now() THEN '{}'::jsonb ELSE flow_sessions.data END,
			expires_at   = CASE WHEN flow_sessions.expires_at <= now() THEN EXCLUDED.expires_at ELSE flow_sessions.expires_at END
		 RETURNING current_step, data, expires_at`,
		key.TenantID, key.ContactID, string(key.Kind), now.Add(ttl),
	)

	rec := &Record{Key: key}
	var raw []byte
	if err := row.Scan(&rec.CurrentStep, &raw, &rec.ExpiresAt); err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	if err := json.Unmarshal(raw, &rec.Data); err != nil {
		return nil, fmt.Errorf("decode session data: %w", err)
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	return rec, nil
}

func (s *PostgresStore) UpdateStep(ctx context.Context, rec *Record, newStep string, patch map[string]any, ttl time.Duration) error {
	now := time.Now().UTC()
	merged := mergeData(rec.Data, patch)

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode session data: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE flow_sessions
		 SET current_step=$4, data=$5, expires_at=$6
		 WHERE tenant_id=$1 AND contact_id=$2 AND kind=$3 AND expires_at > now()`,
		rec.Key.TenantID, rec.Key.ContactID, string(rec.Key.Kind),
		newStep, raw, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("update session step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	rec.CurrentStep = newStep
	rec.Data = merged
	rec.ExpiresAt = now.Add(ttl)
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context, rec *Record, ttl time.Duration) error {
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE flow_sessions
		 SET current_step='idle', data='{}'::jsonb, expires_at=$4
		 WHERE tenant_id=$1 AND contact_id=$2 AND kind=$3`,
		rec.Key.TenantID, rec.Key.ContactID, string(rec.Key.Kind), now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	rec.CurrentStep = StepIdle
	rec.Data = map[string]any{}
	rec.ExpiresAt = now.Add(ttl)
	return nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM flow_sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) LiveCount(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM flow_sessions WHERE expires_at > now()`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
