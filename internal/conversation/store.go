package conversation

import (
	"context"
	"time"
)

// Store persists conversation records. Every operation is tenant scoped.
type Store interface {
	// Create inserts a new record.
	Create(ctx context.Context, rec *Record) error

	// ActiveByContact returns the most recent active record for the contact,
	// or nil when none exists.
	ActiveByContact(ctx context.Context, tenantID, contactID string) (*Record, error)

	// AppendMessage appends msg, bumps counters, refreshes last_activity_at.
	// expires_at is deliberately not touched: the record's lifetime is capped
	// at creation. rec is mutated in place on success.
	AppendMessage(ctx context.Context, rec *Record, msg Message) error

	// SetThread writes threadID into remote_thread_id iff its current value
	// equals expect ("" for unset). Returns the value actually stored after
	// the call, and whether this call performed the write. This single
	// compare-and-swap primitive backs the claim/confirm/release protocol.
	SetThread(ctx context.Context, tenantID, conversationID, expect, threadID string) (current string, swapped bool, err error)

	// Close flips is_active off immediately.
	Close(ctx context.Context, tenantID, conversationID string) error

	// SweepExpired deactivates records whose expires_at has passed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	Shutdown() error
}
