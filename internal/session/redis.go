package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "flow:"

// RedisStore persists session records in Redis. Creation atomicity comes
// from SET NX; expiry is delegated to the key TTL, so a vanished key and an
// expired record are the same thing.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(key Key) string {
	return redisKeyPrefix + key.TenantID + ":" + key.ContactID + ":" + string(key.Kind)
}

func (s *RedisStore) GetOrCreate(ctx context.Context, key Key, ttl time.Duration) (*Record, error) {
	k := redisKey(key)

	// Bounded loop: a key can expire between the failed SETNX and the GET.
	for attempt := 0; attempt < 3; attempt++ {
		now := time.Now().UTC()
		fresh := newIdleRecord(key, ttl, now)
		val, err := json.Marshal(fresh)
		if err != nil {
			return nil, fmt.Errorf("encode session: %w", err)
		}

		created, err := s.client.SetNX(ctx, k, val, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		if created {
			return fresh, nil
		}

		raw, err := s.client.Get(ctx, k).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get session: %w", err)
		}

		rec := &Record{}
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		rec.Key = key
		if rec.Data == nil {
			rec.Data = map[string]any{}
		}
		return rec, nil
	}
	return nil, fmt.Errorf("get or create session: key churned for %s", k)
}

func (s *RedisStore) UpdateStep(ctx context.Context, rec *Record, newStep string, patch map[string]any, ttl time.Duration) error {
	now := time.Now().UTC()
	merged := mergeData(rec.Data, patch)

	updated := *rec
	updated.Data = merged
	updated.CurrentStep = newStep
	updated.ExpiresAt = now.Add(ttl)

	val, err := json.Marshal(&updated)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	// XX: only refresh an existing key; an expired session must not resurrect.
	ok, err := s.client.SetXX(ctx, redisKey(rec.Key), val, ttl).Result()
	if err != nil {
		return fmt.Errorf("update session step: %w", err)
	}
	if !ok {
		return ErrNotFound
	}

	*rec = updated
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, rec *Record, ttl time.Duration) error {
	now := time.Now().UTC()

	cleared := *rec
	cleared.CurrentStep = StepIdle
	cleared.Data = map[string]any{}
	cleared.ExpiresAt = now.Add(ttl)

	val, err := json.Marshal(&cleared)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(rec.Key), val, ttl).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	*rec = cleared
	return nil
}

// SweepExpired is a no-op: Redis evicts expired keys on its own.
func (s *RedisStore) SweepExpired(context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) LiveCount(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan sessions: %w", err)
	}
	return count, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
