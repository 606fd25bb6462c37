package conversation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps conversation records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record // keyed by conversation id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = cloneConversation(rec)
	return nil
}

func (s *MemoryStore) ActiveByContact(_ context.Context, tenantID, contactID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Record
	for _, rec := range s.records {
		if rec.TenantID != tenantID || rec.ContactID != contactID || !rec.IsActive {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneConversation(latest), nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, rec *Record, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[rec.ID]
	if !ok || stored.TenantID != rec.TenantID {
		return ErrNotFound
	}
	if !stored.IsActive {
		return ErrInactive
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	stored.Messages = append(stored.Messages, msg)
	stored.MessageCount++
	stored.TotalTokensUsed += msg.TokensUsed
	stored.LastActivityAt = msg.Timestamp

	*rec = *cloneConversation(stored)
	return nil
}

func (s *MemoryStore) SetThread(_ context.Context, tenantID, conversationID, expect, threadID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[conversationID]
	if !ok || stored.TenantID != tenantID {
		return "", false, ErrNotFound
	}
	if stored.RemoteThreadID != expect {
		return stored.RemoteThreadID, false, nil
	}
	stored.RemoteThreadID = threadID
	return threadID, true, nil
}

func (s *MemoryStore) Close(_ context.Context, tenantID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[conversationID]
	if !ok || stored.TenantID != tenantID {
		return ErrNotFound
	}
	stored.IsActive = false
	return nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flipped := 0
	for _, rec := range s.records {
		if rec.IsActive && !now.Before(rec.ExpiresAt) {
			rec.IsActive = false
			flipped++
		}
	}
	return flipped, nil
}

func (s *MemoryStore) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	return nil
}

func cloneConversation(r *Record) *Record {
	c := *r
	c.Messages = make([]Message, len(r.Messages))
	copy(c.Messages, r.Messages)
	return &c
}
