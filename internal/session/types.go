package session

import (
	"errors"
	"time"
)

// Kind distinguishes independent session uses sharing the same key space.
type Kind string

const (
	// KindOrderFlow tracks the purchase state machine for a contact.
	KindOrderFlow Kind = "order_flow"
)

// StepIdle is the implicit rest state of every session kind.
const StepIdle = "idle"

var (
	ErrNotFound         = errors.New("session not found")
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Key identifies a session. All three parts are mandatory; tenant scoping is
// never inferred from ambient state.
type Key struct {
	TenantID  string
	ContactID string
	Kind      Kind
}

// Record is a tenant/contact scoped session with TTL.
type Record struct {
	Key         Key            `json:"key"`
	CurrentStep string         `json:"current_step"`
	Data        map[string]any `json:"data"`
	ExpiresAt   time.Time      `json:"expires_at"`

	// Ephemeral marks a degraded-mode record that only lives for the
	// current request and must not be persisted.
	Ephemeral bool `json:"-"`
}

// Live reports whether the record has not expired yet.
func (r *Record) Live(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

// StringData returns a string value from the open data map.
func (r *Record) StringData(key string) string {
	if r == nil || r.Data == nil {
		return ""
	}
	v, _ := r.Data[key].(string)
	return v
}

// IntData returns an integer value from the open data map. JSON round-trips
// scalars as float64, so both representations are accepted.
func (r *Record) IntData(key string) (int, bool) {
	if r == nil || r.Data == nil {
		return 0, false
	}
	switch v := r.Data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// BoolData returns a boolean value from the open data map.
func (r *Record) BoolData(key string) bool {
	if r == nil || r.Data == nil {
		return false
	}
	v, _ := r.Data[key].(bool)
	return v
}

func newIdleRecord(key Key, ttl time.Duration, now time.Time) *Record {
	return &Record{
		Key:         key,
		CurrentStep: StepIdle,
		Data:        map[string]any{},
		ExpiresAt:   now.Add(ttl),
	}
}

func mergeData(dst, patch map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range patch {
		dst[k] = v
	}
	return dst
}
