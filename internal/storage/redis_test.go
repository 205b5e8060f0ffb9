package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalkeu/signaling-runtime/internal/signalingerr"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestRedisGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	require.NoError(t, r.Set(ctx, "k", []byte("v")))
	v, found, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", string(v))
}

func TestRedisSetExpires(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	require.NoError(t, r.SetEx(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, found, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisGetDelAtMostOnce(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	require.NoError(t, r.Set(ctx, "ticket", []byte("payload")))

	v, found, err := r.GetDel(ctx, "ticket")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload", string(v))

	_, found, err = r.GetDel(ctx, "ticket")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	require.NoError(t, r.Set(ctx, "k", []byte("v1")))

	swapped, err := r.CompareAndSwap(ctx, "k", []byte("wrong"), []byte("v2"))
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = r.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	assert.True(t, swapped)
}

func TestRedisLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	g1, err := r.Lock(ctx, "room-1", time.Second)
	require.NoError(t, err)

	_, err = r.Lock(ctx, "room-1", 100*time.Millisecond)
	assert.ErrorIs(t, err, signalingerr.ErrLocked)

	require.NoError(t, g1.Unlock(ctx))

	g2, err := r.Lock(ctx, "room-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, g2.Unlock(ctx))
}
