package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mobilinkhero/waflow/internal/reliability"
)

const (
	retryBase = 50 * time.Millisecond
	retryCap  = 500 * time.Millisecond
)

// Manager wraps a Store with bounded retries on transient errors and a
// degraded mode: when persistence is down, the contact still gets a working
// (ephemeral, idle) session for the current turn instead of an error.
type Manager struct {
	store         Store
	ttl           time.Duration
	retryAttempts int
	onStoreError  func(class string)
	onLiveCount   func(n int)
}

func NewManager(store Store, ttl time.Duration, retryAttempts int) *Manager {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	return &Manager{
		store:         store,
		ttl:           ttl,
		retryAttempts: retryAttempts,
	}
}

// SetStoreErrorHook registers a callback invoked with "transient" or
// "permanent" whenever the underlying store fails.
func (m *Manager) SetStoreErrorHook(hook func(class string)) {
	m.onStoreError = hook
}

// SetLiveCountHook registers a callback fed the live-session count after
// every janitor pass (backs the active-sessions gauge).
func (m *Manager) SetLiveCountHook(hook func(n int)) {
	m.onLiveCount = hook
}

// TTL returns the configured session time-to-live.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// GetOrCreate resolves the live session for key, creating an idle one when
// none exists. On persistent store failure it returns an ephemeral idle
// record so the turn can still be answered.
func (m *Manager) GetOrCreate(ctx context.Context, key Key) (*Record, error) {
	var rec *Record
	err := m.withRetry(ctx, func() error {
		var opErr error
		rec, opErr = m.store.GetOrCreate(ctx, key, m.ttl)
		return opErr
	})
	if err != nil {
		log.Printf("session store degraded for %s/%s: %v", key.TenantID, key.ContactID, err)
		rec = newIdleRecord(key, m.ttl, time.Now().UTC())
		rec.Ephemeral = true
		return rec, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

// UpdateStep advances the session. Ephemeral records are mutated locally only.
func (m *Manager) UpdateStep(ctx context.Context, rec *Record, newStep string, patch map[string]any) error {
	if rec.Ephemeral {
		rec.Data = mergeData(rec.Data, patch)
		rec.CurrentStep = newStep
		rec.ExpiresAt = time.Now().UTC().Add(m.ttl)
		return nil
	}
	return m.withRetry(ctx, func() error {
		return m.store.UpdateStep(ctx, rec, newStep, patch, m.ttl)
	})
}

// Clear resets the session to idle, keeping it resolvable.
func (m *Manager) Clear(ctx context.Context, rec *Record) error {
	if rec.Ephemeral {
		rec.CurrentStep = StepIdle
		rec.Data = map[string]any{}
		rec.ExpiresAt = time.Now().UTC().Add(m.ttl)
		return nil
	}
	return m.withRetry(ctx, func() error {
		return m.store.Clear(ctx, rec, m.ttl)
	})
}

// LiveCount reports live sessions for the gauge. Best effort.
func (m *Manager) LiveCount(ctx context.Context) int {
	n, err := m.store.LiveCount(ctx)
	if err != nil {
		return 0
	}
	return n
}

// StartJanitor sweeps expired records periodically until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := m.store.SweepExpired(ctx); err != nil {
					log.Printf("session sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("session sweep purged %d expired records", n)
				}
				if m.onLiveCount != nil {
					m.onLiveCount(m.LiveCount(ctx))
				}
			}
		}
	}()
}

func (m *Manager) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < m.retryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || !reliability.IsTransientStoreError(err) {
			if m.onStoreError != nil && !errors.Is(err, ErrNotFound) {
				m.onStoreError("permanent")
			}
			return err
		}
		if m.onStoreError != nil {
			m.onStoreError("transient")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, retryBase, retryCap)):
		}
	}
	return err
}
