package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/kvstore"
)

func newTestKV(t *testing.T) (*kvstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvstore.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })
	return kv, mr
}

func pushEvent() *domain.Event {
	return &domain.Event{
		Kind:       domain.EventPush,
		Repository: "test/repo",
		Timestamp:  time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC),
		Branch:     "main",
		CommitHash: "abc123",
		Author:     "dev",
	}
}

func TestEmitDeduplicatesByEventID(t *testing.T) {
	kv, _ := newTestKV(t)
	em := NewEmitter(kv)
	ctx := context.Background()

	calls := 0
	em.RegisterHandler(domain.EventPush, func(ctx context.Context, e *domain.Event) error {
		calls++
		return nil
	})

	stored, err := em.Emit(ctx, pushEvent())
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = em.Emit(ctx, pushEvent())
	require.NoError(t, err)
	assert.False(t, stored, "identical delivery must be dropped")

	assert.Equal(t, 1, calls)

	n, err := kv.XLen(ctx, "git_events:stream:test/repo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "exactly one stream entry after duplicate delivery")
}

func TestEmitMirrorsEventWithTTL(t *testing.T) {
	kv, _ := newTestKV(t)
	em := NewEmitter(kv)
	ctx := context.Background()

	e := pushEvent()
	_, err := em.Emit(ctx, e)
	require.NoError(t, err)

	ttl, err := kv.TTL(ctx, "git_events:"+e.ID)
	require.NoError(t, err)
	assert.InDelta(t, (30 * 24 * time.Hour).Hours(), ttl.Hours(), 1)
}

func TestEmitInvokesWildcardHandlers(t *testing.T) {
	em := NewEmitter(nil)
	ctx := context.Background()

	var kinds []domain.EventKind
	em.RegisterHandler(KindAny, func(ctx context.Context, e *domain.Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	})

	_, err := em.Emit(ctx, pushEvent())
	require.NoError(t, err)
	e2 := pushEvent()
	e2.Kind = domain.EventMerge
	_, err = em.Emit(ctx, e2)
	require.NoError(t, err)

	assert.Equal(t, []domain.EventKind{domain.EventPush, domain.EventMerge}, kinds)
}

func TestEmitContinuesPastFailingHandler(t *testing.T) {
	em := NewEmitter(nil)
	ctx := context.Background()

	ran := false
	em.RegisterHandler(domain.EventPush, func(ctx context.Context, e *domain.Event) error {
		return assert.AnError
	})
	em.RegisterHandler(domain.EventPush, func(ctx context.Context, e *domain.Event) error {
		ran = true
		return nil
	})

	_, err := em.Emit(ctx, pushEvent())
	require.NoError(t, err)
	assert.True(t, ran, "later handlers run after an earlier one fails")
}

func TestEmitRejectsInvalidEvent(t *testing.T) {
	em := NewEmitter(nil)

	_, err := em.Emit(context.Background(), &domain.Event{Kind: domain.EventPush})
	assert.Error(t, err)
}

func TestRecentEvents(t *testing.T) {
	kv, _ := newTestKV(t)
	em := NewEmitter(kv)
	ctx := context.Background()

	for i, hash := range []string{"c1", "c2", "c3"} {
		e := pushEvent()
		e.CommitHash = hash
		e.Timestamp = e.Timestamp.Add(time.Duration(i) * time.Minute)
		_, err := em.Emit(ctx, e)
		require.NoError(t, err)
	}

	events, err := em.RecentEvents(ctx, "test/repo", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c2", events[0].CommitHash)
	assert.Equal(t, "c3", events[1].CommitHash)
}
