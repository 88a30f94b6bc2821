package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/npezzotti/go-eventpresence/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *testutil.Clock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := testutil.NewClock()
	s := NewRedisStoreWithClient(client, WithClock(clock.Now))
	t.Cleanup(func() { s.Close() })
	return s, clock, mr
}

func TestRedisStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, clock, mr := newTestRedisStore(t)

	rec, err := s.Upsert(ctx, "e1", "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.ConnectionId)
	assert.Equal(t, clock.Now().UnixMilli(), rec.LastActiveAt.UnixMilli())

	_, err = s.Upsert(ctx, "e1", "u1", "c2")
	require.NoError(t, err)
	members, err := mr.ZMembers(viewersKey("e1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members, "expected duplicate join to upsert in place")
	assert.Equal(t, "c2", mr.HGet(connsKey("e1"), "u1"))
	assert.Equal(t, DefaultRetention, mr.TTL(viewersKey("e1")))

	n, err := s.CountActive(ctx, "e1", testWindow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clock.Advance(testWindow + time.Second)
	n, err = s.CountActive(ctx, "e1", testWindow)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "expected stale record to be excluded")

	ok, err := s.Refresh(ctx, "e1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	n, _ = s.CountActive(ctx, "e1", testWindow)
	assert.Equal(t, 1, n, "expected refreshed record to count again")

	ok, err = s.RemoveOwned(ctx, "e1", "u1", "c1")
	require.NoError(t, err)
	assert.False(t, ok, "expected superseded connection not to remove the record")

	ok, err = s.RemoveOwned(ctx, "e1", "u1", "c2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Remove(ctx, "e1", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Refresh(ctx, "e1", "u1")
	require.NoError(t, err)
	assert.False(t, ok, "expected refresh of a removed record to report false")
}

func TestRedisStore_Purge(t *testing.T) {
	ctx := context.Background()
	s, clock, mr := newTestRedisStore(t)

	_, _ = s.Upsert(ctx, "e1", "old", "c1")
	_, _ = s.Upsert(ctx, "e2", "old", "c2")
	clock.Advance(45 * time.Second)
	_, _ = s.Upsert(ctx, "e1", "fresh", "c3")
	clock.Advance(20 * time.Second)

	n, err := s.Purge(ctx, clock.Now().Add(-DefaultRetention))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	members, _ := mr.ZMembers(viewersKey("e1"))
	assert.Equal(t, []string{"fresh"}, members)
	assert.Equal(t, "", mr.HGet(connsKey("e1"), "old"))
}

func TestRedisStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	s, _, mr := newTestRedisStore(t)
	mr.SetError("ERR store offline")

	_, err := s.CountActive(ctx, "e1", testWindow)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = s.Upsert(ctx, "e1", "u1", "c1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.ErrorIs(t, s.Ping(ctx), ErrStoreUnavailable)
	mr.SetError("")
	assert.NoError(t, s.Ping(ctx))
}
