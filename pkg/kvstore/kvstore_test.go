package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(rdb)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestSetGetJSONCoercion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", map[string]any{"a": 1, "b": "x"}, 0))
	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), m["a"])
	assert.Equal(t, "x", m["b"])

	// plain strings that are not valid JSON come back verbatim
	require.NoError(t, s.Set(ctx, "k2", "hello world", 0))
	v, err = s.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "hello world", v)
}

func TestGetMissingKey(t *testing.T) {
	s, _ := newTestStore(t)

	v, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSetWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "ephemeral", "v", time.Minute))
	ttl, err := s.TTL(ctx, "ephemeral")
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 2)

	mr.FastForward(2 * time.Minute)
	ok, err := s.Exists(ctx, "ephemeral")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetNX(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	set, err := s.SetNX(ctx, "once", "first", 0)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = s.SetNX(ctx, "once", "second", 0)
	require.NoError(t, err)
	assert.False(t, set)

	v, err := s.Get(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Decr(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.LPush(ctx, "l", "a", "b", "c")
	require.NoError(t, err)

	entries, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, entries)

	v, err := s.RPop(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	require.NoError(t, s.LTrim(ctx, "l", 0, 0))
	n, err := s.LLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// popping an empty list is not an error
	v, err = s.RPop(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestHashOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", map[string]any{"name": "build", "count": 3}))

	v, err := s.HGet(ctx, "h", "name")
	require.NoError(t, err)
	assert.Equal(t, "build", v)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "3", all["count"])

	_, err = s.HDel(ctx, "h", "count")
	require.NoError(t, err)
	v, err = s.HGet(ctx, "h", "count")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestSetMembership(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.SAdd(ctx, "s", "a", "b", "a")
	require.NoError(t, err)

	n, err := s.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	members, err := s.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	_, err = s.SRem(ctx, "s", "a")
	require.NoError(t, err)
	n, err = s.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStreamAppendAndRange(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id1, err := s.XAdd(ctx, "events", 1000, map[string]any{"kind": "push", "repo": "acme/api"})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	_, err = s.XAdd(ctx, "events", 1000, map[string]any{"kind": "merge", "repo": "acme/api"})
	require.NoError(t, err)

	entries, err := s.XRange(ctx, "events", "-", "+")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "push", entries[0].Values["kind"])
	assert.Equal(t, "merge", entries[1].Values["kind"])

	n, err := s.XLen(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestKeysAndFlush(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "git_events:1", "a", 0))
	require.NoError(t, s.Set(ctx, "git_events:2", "b", 0))
	require.NoError(t, s.Set(ctx, "other", "c", 0))

	keys, err := s.Keys(ctx, "git_events:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, s.FlushDB(ctx))
	keys, err = s.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCheckHealth(t *testing.T) {
	s, mr := newTestStore(t)

	h := s.CheckHealth(context.Background())
	assert.True(t, h.Connected)
	assert.GreaterOrEqual(t, h.PingLatency, time.Duration(0))

	mr.Close()
	h = s.CheckHealth(context.Background())
	assert.False(t, h.Connected)
}
