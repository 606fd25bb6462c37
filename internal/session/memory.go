package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps session records in process memory. Used for tests and
// single-instance deployments without a database.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]*Record)}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, key Key, ttl time.Duration) (*Record, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.Live(now) {
		return cloneRecord(rec), nil
	}
	rec := newIdleRecord(key, ttl, now)
	s.records[key] = rec
	return cloneRecord(rec), nil
}

func (s *MemoryStore) UpdateStep(_ context.Context, rec *Record, newStep string, patch map[string]any, ttl time.Duration) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[rec.Key]
	if !ok || !stored.Live(now) {
		return ErrNotFound
	}
	stored.Data = mergeData(stored.Data, patch)
	stored.CurrentStep = newStep
	stored.ExpiresAt = now.Add(ttl)

	*rec = *cloneRecord(stored)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, rec *Record, ttl time.Duration) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[rec.Key]
	if !ok {
		return ErrNotFound
	}
	stored.CurrentStep = StepIdle
	stored.Data = map[string]any{}
	stored.ExpiresAt = now.Add(ttl)

	*rec = *cloneRecord(stored)
	return nil
}

func (s *MemoryStore) SweepExpired(_ context.Context) (int, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, rec := range s.records {
		if !rec.Live(now) {
			delete(s.records, key)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) LiveCount(_ context.Context) (int, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rec := range s.records {
		if rec.Live(now) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[Key]*Record)
	return nil
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Data = make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		c.Data[k] = v
	}
	return &c
}
