package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/grove/internal/clock"
)

var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// CounterStore increments a counter that expires after ttl.
// Implementations need not be atomic across INCR and EXPIRE.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisStore counts in redis with INCR followed by EXPIRE on the first hit.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s == nil || s.client == nil {
		return 0, ErrStoreUnavailable
	}
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		// A failed EXPIRE leaves a counter that only resets with the key's window suffix.
		_ = s.client.Expire(ctx, key, ttl).Err()
	}
	return n, nil
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is a process-local CounterStore for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   clock.Clock
	sweeps  int
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   clk,
	}
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweeps++
	if s.sweeps >= 1024 {
		s.sweeps = 0
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
			}
		}
	}

	entry, ok := s.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = memoryEntry{expiresAt: now.Add(ttl)}
	}
	entry.count++
	s.entries[key] = entry
	return entry.count, nil
}
