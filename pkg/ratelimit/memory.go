package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

// DefaultCooldownRetention is how long a cooldown stamp is kept before a
// sweep may drop it. It only bounds memory; an old stamp never blocks.
const DefaultCooldownRetention = time.Hour

type windowEntry struct {
	count   int
	resetAt time.Time
}

type memoryShard struct {
	mu        sync.Mutex
	windows   map[string]windowEntry
	cooldowns map[string]time.Time
}

// MemoryStore is the in-process store: a sharded mutex-guarded table, so
// concurrent checks on unrelated keys rarely contend while checks on the
// same key are fully serialized. State is lost on restart, which is
// acceptable for a soft defense; in a horizontally scaled deployment each
// instance enforces its own quota independently (use RedisStore when that
// matters).
type MemoryStore struct {
	shards            [memoryShards]*memoryShard
	cooldownRetention time.Duration
	now               func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		cooldownRetention: DefaultCooldownRetention,
		now:               time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{
			windows:   make(map[string]windowEntry),
			cooldowns: make(map[string]time.Time),
		}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) CheckAndConsume(_ context.Context, key string, p Policy) (Decision, error) {
	now := s.now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.windows[key]
	if !ok || !entry.resetAt.After(now) {
		entry = windowEntry{count: 1, resetAt: now.Add(p.Window)}
		sh.windows[key] = entry
		return Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit - 1, ResetAt: entry.resetAt}, nil
	}

	if entry.count >= p.Limit {
		return Decision{
			Limit:      p.Limit,
			ResetAt:    entry.resetAt,
			RetryAfter: entry.resetAt.Sub(now),
		}, nil
	}

	entry.count++
	sh.windows[key] = entry
	return Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit - entry.count, ResetAt: entry.resetAt}, nil
}

func (s *MemoryStore) CheckCooldown(_ context.Context, key string, cooldown time.Duration) (bool, time.Duration, error) {
	now := s.now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if last, ok := sh.cooldowns[key]; ok {
		if elapsed := now.Sub(last); elapsed < cooldown {
			return false, cooldown - elapsed, nil
		}
	}
	sh.cooldowns[key] = now
	return true, 0, nil
}

// Sweep walks the shards one key at a time under the same locks as live
// checks, so it never races an increment.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, entry := range sh.windows {
			if !entry.resetAt.After(now) {
				delete(sh.windows, key)
				removed++
			}
		}
		for key, last := range sh.cooldowns {
			if now.Sub(last) >= s.cooldownRetention {
				delete(sh.cooldowns, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) Stats(_ context.Context) (StoreStats, error) {
	var stats StoreStats
	for _, sh := range s.shards {
		sh.mu.Lock()
		stats.WindowKeys += len(sh.windows)
		stats.CooldownKeys += len(sh.cooldowns)
		sh.mu.Unlock()
	}
	return stats, nil
}

func (s *MemoryStore) Close() error { return nil }
