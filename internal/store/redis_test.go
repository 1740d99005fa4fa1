package store_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jigsync/internal/store"
	"github.com/roach88/jigsync/internal/store/storetest"
)

func openTestRedis(t *testing.T) (*store.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.NewRedis(context.Background(), &redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	return s, mr
}

func TestRedis_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := openTestRedis(t)
		return s
	})
}

func TestRedis_KeyLayout(t *testing.T) {
	ctx := context.Background()
	s, mr := openTestRedis(t)
	defer s.Close()

	require.NoError(t, s.Create(ctx, "s1", store.Fields{"status": "waiting"}))
	require.NoError(t, s.Patch(ctx, "s1", store.PiecePath("p_0_1"), store.Fields{"placed": true}))

	ok, err := mr.SIsMember("test:sessions", "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `"waiting"`, mr.HGet("test:s:s1:n:", "status"))
	assert.Equal(t, "true", mr.HGet("test:s:s1:n:pieces/p_0_1", "placed"))

	require.NoError(t, s.Delete(ctx, "s1"))
	assert.False(t, mr.Exists("test:s:s1:n:pieces/p_0_1"))
	assert.False(t, mr.Exists("test:s:s1:nodes"))
}

func TestRedis_SharedAcrossClients(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	a, err := store.NewRedis(ctx, &redis.Options{Addr: mr.Addr()}, "shared")
	require.NoError(t, err)
	defer a.Close()
	b, err := store.NewRedis(ctx, &redis.Options{Addr: mr.Addr()}, "shared")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Create(ctx, "s1", nil))
	sub, err := b.Subscribe(ctx, "s1")
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, a.Patch(ctx, "s1", store.PlayerPath("p1"), store.Fields{"score": 3}))
	changes := storetest.Collect(t, sub, 1)
	assert.Equal(t, store.PlayerPath("p1"), changes[0].Path)
	assert.Equal(t, float64(3), changes[0].Fields["score"])
}

func TestRedis_ServerLossEndsSubscription(t *testing.T) {
	ctx := context.Background()
	s, mr := openTestRedis(t)
	defer s.Close()

	require.NoError(t, s.Create(ctx, "s1", nil))
	sub, err := s.Subscribe(ctx, "s1")
	require.NoError(t, err)

	mr.Close()
	assert.ErrorIs(t, storetest.WaitEnded(t, sub), store.ErrConnectivityLost)
}

func TestOpenRedis_BadURL(t *testing.T) {
	_, err := store.OpenRedis(context.Background(), "not a url", "")
	assert.Error(t, err)
}
