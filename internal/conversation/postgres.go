package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversation records in PostgreSQL. The thread
// compare-and-swap is a conditional UPDATE, so two concurrent resolutions
// racing to create a remote thread serialize on the row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initConversationSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initConversationSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			contact_phone TEXT NOT NULL DEFAULT '',
			remote_thread_id TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			messages JSONB NOT NULL DEFAULT '[]',
			message_count INTEGER NOT NULL DEFAULT 0,
			total_tokens_used INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_contact ON conversations (tenant_id, contact_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_expires ON conversations (expires_at) WHERE is_active;`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init conversation schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (
			id, tenant_id, contact_id, contact_phone, remote_thread_id, system_prompt,
			messages, message_count, total_tokens_used, created_at, last_activity_at, expires_at, is_active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rec.ID, rec.TenantID, rec.ContactID, rec.ContactPhone, rec.RemoteThreadID, rec.SystemPrompt,
		raw, rec.MessageCount, rec.TotalTokensUsed, rec.CreatedAt, rec.LastActivityAt, rec.ExpiresAt, rec.IsActive,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActiveByContact(ctx context.Context, tenantID, contactID string) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, contact_id, contact_phone, remote_thread_id, system_prompt,
		        messages, message_count, total_tokens_used, created_at, last_activity_at, expires_at, is_active
		 FROM conversations
		 WHERE tenant_id=$1 AND contact_id=$2 AND is_active
		 ORDER BY created_at DESC
		 LIMIT 1`,
		tenantID, contactID,
	)

	rec, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active conversation: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, rec *Record, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	entry, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET
			messages = messages || $3::jsonb,
			message_count = message_count + 1,
			total_tokens_used = total_tokens_used + $4,
			last_activity_at = $5
		 WHERE id=$2 AND tenant_id=$1 AND is_active`,
		rec.TenantID, rec.ID, entry, msg.TokensUsed, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInactive
	}

	rec.Messages = append(rec.Messages, msg)
	rec.MessageCount++
	rec.TotalTokensUsed += msg.TokensUsed
	rec.LastActivityAt = msg.Timestamp
	return nil
}

func (s *PostgresStore) SetThread(ctx context.Context, tenantID, conversationID, expect, threadID string) (string, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET remote_thread_id=$4
		 WHERE id=$2 AND tenant_id=$1 AND remote_thread_id=$3`,
		tenantID, conversationID, expect, threadID,
	)
	if err != nil {
		return "", false, fmt.Errorf("set thread: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return threadID, true, nil
	}

	var current string
	err = s.pool.QueryRow(ctx,
		`SELECT remote_thread_id FROM conversations WHERE id=$2 AND tenant_id=$1`,
		tenantID, conversationID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("read thread: %w", err)
	}
	return current, false, nil
}

func (s *PostgresStore) Close(ctx context.Context, tenantID, conversationID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET is_active=FALSE WHERE id=$2 AND tenant_id=$1`,
		tenantID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET is_active=FALSE WHERE is_active AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep conversations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Shutdown() error {
	s.pool.Close()
	return nil
}

func scanConversation(row pgx.Row) (*Record, error) {
	rec := &Record{}
	var raw []byte
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.ContactID, &rec.ContactPhone, &rec.RemoteThreadID, &rec.SystemPrompt,
		&raw, &rec.MessageCount, &rec.TotalTokensUsed, &rec.CreatedAt, &rec.LastActivityAt, &rec.ExpiresAt, &rec.IsActive,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &rec.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return rec, nil
}
