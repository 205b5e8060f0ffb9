package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opentalkeu/signaling-runtime/internal/signalingerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	type widget struct{ Name string }
	require.NoError(t, SetJSON(ctx, m, "k", widget{Name: "a"}))

	got, found, err := GetJSON[widget](ctx, m, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", got.Name)

	_, found, err = GetJSON[widget](ctx, m, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemorySetExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SetEx(ctx, "k", []byte("v"), 10*time.Millisecond))

	_, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(30 * time.Millisecond)
	_, found, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "expired value must never be observed")
}

func TestMemorySetNX(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ok, err := m.SetNX(ctx, "k", []byte("v1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k", []byte("v2"))
	require.NoError(t, err)
	assert.False(t, ok)

	v, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "v1", string(v))
}

func TestMemoryGetDelAtMostOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "ticket", []byte("payload")))

	v, found, err := m.GetDel(ctx, "ticket")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload", string(v))

	_, found, err = m.GetDel(ctx, "ticket")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryGetDelConcurrentAtMostOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "ticket", []byte("payload")))

	var successes int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, found, err := m.GetDel(ctx, "ticket")
			require.NoError(t, err)
			if found {
				atomic.AddInt64(&successes, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), successes, "a ticket is redeemable at most once")
}

func TestMemoryCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "k", []byte("v1")))

	swapped, err := m.CompareAndSwap(ctx, "k", []byte("wrong"), []byte("v2"))
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = m.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	assert.True(t, swapped)

	v, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "v2", string(v))
}

func TestMemorySets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SAdd(ctx, "room", "a"))
	require.NoError(t, m.SAdd(ctx, "room", "b"))

	card, err := m.SCard(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, 2, card)

	contains, err := m.SContains(ctx, "room", "a")
	require.NoError(t, err)
	assert.True(t, contains)

	require.NoError(t, m.SRem(ctx, "room", "a"))
	members, err := m.SMembers(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestMemoryLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	g1, err := m.Lock(ctx, "room-1", time.Second)
	require.NoError(t, err)

	locked := make(chan struct{})
	go func() {
		g2, err := m.Lock(ctx, "room-1", time.Second)
		require.NoError(t, err)
		close(locked)
		_ = g2.Unlock(ctx)
	}()

	select {
	case <-locked:
		t.Fatal("second locker acquired the lock while the first still holds it")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, g1.Unlock(ctx))
	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("second locker never acquired after release")
	}
}

func TestMemoryLockTimesOut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	g1, err := m.Lock(ctx, "room-1", time.Second)
	require.NoError(t, err)
	defer g1.Unlock(ctx)

	_, err = m.Lock(ctx, "room-1", 20*time.Millisecond)
	assert.ErrorIs(t, err, signalingerr.ErrLocked)
}
