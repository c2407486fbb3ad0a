package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisClient_Lock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	ctx := context.Background()

	token, ok, err := client.AcquireLock(ctx, "lock:sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = client.AcquireLock(ctx, "lock:sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not get the lock")

	// A stale token cannot release someone else's lock.
	require.NoError(t, client.ReleaseLock(ctx, "lock:sweep", "not-mine"))
	assert.True(t, mr.Exists("lock:sweep"))

	require.NoError(t, client.ReleaseLock(ctx, "lock:sweep", token))
	assert.False(t, mr.Exists("lock:sweep"))

	_, ok, err = client.AcquireLock(ctx, "lock:sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisClient_LockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	ctx := context.Background()

	_, ok, err := client.AcquireLock(ctx, "lock:sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = client.AcquireLock(ctx, "lock:sweep", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, client.Ping(ctx))
}
