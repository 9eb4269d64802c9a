package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps window counters in Redis so several instances share one
// quota. It is opt-in: the in-process MemoryStore is the default, and the
// single-instance model it implies is a documented limitation rather than
// something this store silently papers over.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) CheckAndConsume(ctx context.Context, key string, p Policy) (Decision, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, fmt.Errorf("rate limit read %q: %w", key, err)
	}

	resetAt := s.now().Add(p.Window)
	if ttl, err := ttlCmd.Result(); err == nil && ttl > 0 {
		resetAt = s.now().Add(ttl)
	}

	count, err := getCmd.Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, fmt.Errorf("rate limit read %q: %w", key, err)
	}
	if err == nil && count >= p.Limit {
		return Decision{Limit: p.Limit, ResetAt: resetAt, RetryAfter: time.Until(resetAt)}, nil
	}

	count64, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr %q: %w", key, err)
	}
	if count64 == 1 {
		if err := s.client.PExpire(ctx, key, p.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire %q: %w", key, err)
		}
		resetAt = s.now().Add(p.Window)
	}
	if int(count64) > p.Limit {
		// Lost a race past the limit; undo so rejected attempts do not
		// push the stored count any further.
		s.client.Decr(ctx, key)
		return Decision{Limit: p.Limit, ResetAt: resetAt, RetryAfter: time.Until(resetAt)}, nil
	}

	return Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit - int(count64), ResetAt: resetAt}, nil
}

func (s *RedisStore) CheckCooldown(ctx context.Context, key string, cooldown time.Duration) (bool, time.Duration, error) {
	ok, err := s.client.SetNX(ctx, key, 1, cooldown).Result()
	if err != nil {
		return false, 0, fmt.Errorf("cooldown set %q: %w", key, err)
	}
	if ok {
		return true, 0, nil
	}
	remaining, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("cooldown ttl %q: %w", key, err)
	}
	if remaining < 0 {
		remaining = 0
	}
	return false, remaining, nil
}

// Sweep is a no-op: Redis expires keys via TTL on its own.
func (s *RedisStore) Sweep(context.Context) (int, error) { return 0, nil }

func (s *RedisStore) Stats(ctx context.Context) (StoreStats, error) {
	size, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return StoreStats{}, fmt.Errorf("rate limit stats: %w", err)
	}
	return StoreStats{WindowKeys: int(size)}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
