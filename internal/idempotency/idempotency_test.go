package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, store Store, expire func(time.Duration)) {
	ctx := context.Background()

	ok, err := store.PutIfAbsent(ctx, "consolidate:log-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.PutIfAbsent(ctx, "consolidate:log-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must fail while the first is held")

	require.NoError(t, store.Release(ctx, "consolidate:log-1"))
	ok, err = store.PutIfAbsent(ctx, "consolidate:log-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released claim can be taken again")

	expire(2 * time.Minute)
	ok, err = store.PutIfAbsent(ctx, "consolidate:log-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claim can be taken again")

	ok, err = store.PutIfAbsent(ctx, "", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "empty keys are never deduplicated")
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	runStoreContract(t, store, func(d time.Duration) { now = now.Add(d) })
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "sicc:idem:")
	runStoreContract(t, store, mr.FastForward)

	assert.False(t, mr.Exists("consolidate:log-1"), "keys are namespaced")
	assert.True(t, mr.Exists("sicc:idem:consolidate:log-1"))
}
