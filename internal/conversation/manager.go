package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Manager implements the record lifecycle on top of a Store: reuse-window
// lookup, creation with system seed, append-only history, thread claims.
type Manager struct {
	store   Store
	onEvent func(event string)

	// mu serializes get-or-create per contact so a rapid double-send cannot
	// produce two live records. Cross-instance races still resolve through
	// the thread claim: at worst an extra record, never an extra thread.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) contactLock(tenantID, contactID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "\x00" + contactID
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// SetEventHook registers a callback for record lifecycle events
// (created, reused, closed, expired).
func (m *Manager) SetEventHook(hook func(event string)) {
	m.onEvent = hook
}

// GetOrCreate returns the contact's reusable record, or creates one seeded
// with the system prompt. expires_at is fixed to created_at + reuseWindow and
// is never extended afterwards: threads have a capped absolute lifetime, not
// a sliding idle timeout.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID, contactID, contactPhone, systemPrompt string, reuseWindow time.Duration) (*Record, bool, error) {
	lock := m.contactLock(tenantID, contactID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	existing, err := m.store.ActiveByContact(ctx, tenantID, contactID)
	if err != nil {
		return nil, false, err
	}
	if existing.Reusable(now) {
		m.emit("reused")
		return existing, false, nil
	}
	if existing != nil {
		// Active flag outlived the window; retire it before creating anew.
		if err := m.store.Close(ctx, tenantID, existing.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		m.emit("expired")
	}

	rec := &Record{
		ID:           newConversationID(),
		TenantID:     tenantID,
		ContactID:    contactID,
		ContactPhone: contactPhone,
		SystemPrompt: systemPrompt,
		Messages: []Message{{
			Role:      RoleSystem,
			Content:   systemPrompt,
			Timestamp: now,
		}},
		MessageCount:   1,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(reuseWindow),
		IsActive:       true,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, false, err
	}
	m.emit("created")
	return rec, true, nil
}

// AppendUserMessage records an inbound user turn.
func (m *Manager) AppendUserMessage(ctx context.Context, rec *Record, text string) error {
	return m.store.AppendMessage(ctx, rec, Message{
		Role:    RoleUser,
		Content: text,
	})
}

// AppendAssistantMessage records the assistant's reply with its token cost.
func (m *Manager) AppendAssistantMessage(ctx context.Context, rec *Record, text string, tokensUsed int) error {
	return m.store.AppendMessage(ctx, rec, Message{
		Role:       RoleAssistant,
		Content:    text,
		TokensUsed: tokensUsed,
	})
}

// ClaimThread attempts to reserve remote-thread creation for this caller.
// Exactly one of the concurrent callers wins the claim; the others receive
// the already-stored value (a real thread id, or someone else's live claim).
func (m *Manager) ClaimThread(ctx context.Context, rec *Record) (token string, claimed bool, current string, err error) {
	token = newClaimToken()
	current, claimed, err = m.store.SetThread(ctx, rec.TenantID, rec.ID, "", token)
	if err != nil {
		return "", false, "", err
	}
	if claimed {
		rec.RemoteThreadID = token
		return token, true, "", nil
	}
	return "", false, current, nil
}

// ConfirmThread replaces the caller's claim with the real remote thread id.
func (m *Manager) ConfirmThread(ctx context.Context, rec *Record, token, threadID string) error {
	current, swapped, err := m.store.SetThread(ctx, rec.TenantID, rec.ID, token, threadID)
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("thread claim lost: have %q", current)
	}
	rec.RemoteThreadID = threadID
	return nil
}

// ReleaseThread clears a claim after remote creation failed, so a later turn
// can try again.
func (m *Manager) ReleaseThread(ctx context.Context, rec *Record, token string) error {
	_, swapped, err := m.store.SetThread(ctx, rec.TenantID, rec.ID, token, "")
	if err != nil {
		return err
	}
	if swapped {
		rec.RemoteThreadID = ""
	}
	return nil
}

// ThreadState re-reads the stored remote_thread_id. Used by claim losers
// waiting for the winner to confirm.
func (m *Manager) ThreadState(ctx context.Context, rec *Record) (string, error) {
	// A no-op swap against an impossible expect value just reads the row.
	current, _, err := m.store.SetThread(ctx, rec.TenantID, rec.ID, "\x00impossible", "")
	if err != nil {
		return "", err
	}
	return current, nil
}

// Close deactivates the record immediately, distinct from natural expiry.
func (m *Manager) Close(ctx context.Context, rec *Record) error {
	if err := m.store.Close(ctx, rec.TenantID, rec.ID); err != nil {
		return err
	}
	rec.IsActive = false
	m.emit("closed")
	return nil
}

// StartSweeper periodically deactivates expired records until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
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
				n, err := m.store.SweepExpired(ctx, time.Now().UTC())
				if err != nil {
					log.Printf("conversation sweep failed: %v", err)
					continue
				}
				for i := 0; i < n; i++ {
					m.emit("expired")
				}
			}
		}
	}()
}

func (m *Manager) emit(event string) {
	if m.onEvent != nil {
		m.onEvent(event)
	}
}
