package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*DecisionCache, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDecisionCache(client, ttl), mr, client
}

func TestDecisionCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, mr, _ := newTestCache(t, time.Minute)
	q := Query{UserID: 7, Permission: "projects.read", Scope: DeptScope(5, 10), ResourceID: "p-1"}

	key, err := cache.Key(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "rbac:decision:1:7:projects.read:5:10:0:p-1", key)

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	want := Decision{Allowed: true, Reason: ReasonAllow, Matched: 2}
	require.NoError(t, cache.Set(ctx, key, want))
	got, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "entries expire on their ttl")
}

func TestDecisionCacheBumpInvalidatesAndPublishes(t *testing.T) {
	ctx := context.Background()
	cache, _, client := newTestCache(t, time.Minute)

	sub := client.Subscribe(ctx, BumpChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	q := Query{UserID: 1, Permission: "users.read"}
	before, err := cache.Key(ctx, q)
	require.NoError(t, err)
	require.NoError(t, cache.Set(ctx, before, Decision{Allowed: true, Reason: ReasonAllow}))

	require.NoError(t, cache.Bump(ctx))

	after, err := cache.Key(ctx, q)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	_, ok, err := cache.Get(ctx, after)
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "2", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("bump was not published")
	}
}

func TestDisabledCacheIsInert(t *testing.T) {
	ctx := context.Background()
	var nilCache *DecisionCache
	require.NoError(t, nilCache.Bump(ctx))
	require.NoError(t, nilCache.Set(ctx, "k", Decision{}))
	_, ok, err := nilCache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	zeroTTL, mr, _ := newTestCache(t, 0)
	require.NoError(t, zeroTTL.Bump(ctx))
	assert.False(t, mr.Exists(cacheVersionKey))
}

func TestFailedBumpBlocksCacheUntilRetried(t *testing.T) {
	ctx := context.Background()
	cache, mr, _ := newTestCache(t, time.Minute)
	q := Query{UserID: 3, Permission: "users.read", Scope: OrgScope(5)}

	before, err := cache.Key(ctx, q)
	require.NoError(t, err)
	require.NoError(t, cache.Set(ctx, before, Decision{Allowed: true, Reason: ReasonAllow}))

	mr.SetError("LOADING redis is loading the dataset")
	require.Error(t, cache.Bump(ctx))
	mr.SetError("")

	after, err := cache.Key(ctx, q)
	require.NoError(t, err)
	assert.NotEqual(t, before, after, "the owed bump runs before a key is handed out")
	_, ok, err := cache.Get(ctx, after)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.SetError("LOADING redis is loading the dataset")
	require.Error(t, cache.Bump(ctx))
	_, err = cache.Key(ctx, q)
	assert.ErrorIs(t, err, ErrInvalidationPending)
}
