package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreExhaustsWindow(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	policy := Policy{Limit: 3, Window: time.Minute}

	for i, wantRemaining := range []int{2, 1, 0} {
		d, err := store.CheckAndConsume(ctx, "ip-A", policy)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		require.Equal(t, wantRemaining, d.Remaining)
	}

	for i := 0; i < 3; i++ {
		d, err := store.CheckAndConsume(ctx, "ip-A", policy)
		require.NoError(t, err)
		require.False(t, d.Allowed)
		require.Equal(t, 0, d.Remaining)
	}

	// Rejected attempts must not have pushed the stored count further.
	count, err := mr.Get("ip-A")
	require.NoError(t, err)
	require.Equal(t, "3", count)
}

func TestRedisStoreWindowRollover(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	policy := Policy{Limit: 2, Window: time.Minute}

	store.CheckAndConsume(ctx, "ip-A", policy)
	store.CheckAndConsume(ctx, "ip-A", policy)
	d, err := store.CheckAndConsume(ctx, "ip-A", policy)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	mr.FastForward(61 * time.Second)
	d, err = store.CheckAndConsume(ctx, "ip-A", policy)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)
}

func TestRedisStoreCooldown(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	cooldown := 5 * time.Second

	allowed, _, err := store.CheckCooldown(ctx, "u1:s1", cooldown)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, remaining, err := store.CheckCooldown(ctx, "u1:s1", cooldown)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Greater(t, remaining, time.Duration(0))

	mr.FastForward(6 * time.Second)
	allowed, _, err = store.CheckCooldown(ctx, "u1:s1", cooldown)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestRedisStoreFailureSurfacesError(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.Close()

	_, err := store.CheckAndConsume(context.Background(), "ip-A", Policy{Limit: 1, Window: time.Minute})
	require.Error(t, err, "the limiter above turns this into a fail-open admit")
}
