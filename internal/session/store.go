package session

import (
	"context"
	"time"
)

// Store persists session records. Implementations must make GetOrCreate
// atomic per key: two concurrent calls for the same key observe one record.
type Store interface {
	// GetOrCreate returns the live record for key, or atomically creates a
	// fresh idle record with expires_at = now + ttl. An expired record is
	// replaced, never returned.
	GetOrCreate(ctx context.Context, key Key, ttl time.Duration) (*Record, error)

	// UpdateStep merges patch into the record's data (patch keys overwrite),
	// sets the step, refreshes the TTL, and persists. rec is mutated in place.
	UpdateStep(ctx context.Context, rec *Record, newStep string, patch map[string]any, ttl time.Duration) error

	// Clear resets the record to idle with empty data and a fresh TTL. The
	// record stays resolvable; this is completion, not deletion.
	Clear(ctx context.Context, rec *Record, ttl time.Duration) error

	// SweepExpired purges records whose TTL has passed. Hygiene only; no
	// correctness depends on it running.
	SweepExpired(ctx context.Context) (int, error)

	// LiveCount reports live records, for the active-sessions gauge.
	LiveCount(ctx context.Context) (int, error)

	Close() error
}
