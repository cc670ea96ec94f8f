// Package idempotency provides short-lived claims used to make background
// operations safe to retry across processes.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records claims on keys for a bounded time.
type Store interface {
	// PutIfAbsent claims key for ttl. It returns false when the key is already held.
	PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim so that a later retry can take it.
	Release(ctx context.Context, key string) error
}

// MemoryStore keeps claims in process memory. Claims are not shared between
// processes, so it is only suitable for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an in-memory claim store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// PutIfAbsent records the key if missing or expired.
func (s *MemoryStore) PutIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" || ttl <= 0 {
		return true, nil
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiresAt, ok := s.entries[key]; ok && expiresAt.After(now) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}

// Release removes the key.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// RedisStore stores claims in Redis with SET NX.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed claim store.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// PutIfAbsent records the key in Redis if missing.
func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" || ttl <= 0 {
		return true, nil
	}
	return s.client.SetNX(ctx, s.prefix+key, "1", ttl).Result()
}

// Release deletes the key from Redis.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	return s.client.Del(ctx, s.prefix+key).Err()
}
