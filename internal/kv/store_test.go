package kv_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-caisse/internal/kv"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func setup(t *testing.T) (*miniredis.Miniredis, *kv.Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, kv.NewRedis(client, "caisse:")
}

func TestRoundTripAndPrefix(t *testing.T) {
	mr, store := setup(t)
	ctx := context.Background()

	var got doc
	found, err := store.GetJSON(ctx, "cart:1", &got)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.SetJSON(ctx, "cart:1", doc{Name: "a", Count: 2}, 0))
	require.True(t, mr.Exists("caisse:cart:1"))

	found, err = store.GetJSON(ctx, "cart:1", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, doc{Name: "a", Count: 2}, got)

	require.NoError(t, store.Delete(ctx, "cart:1"))
	require.False(t, mr.Exists("caisse:cart:1"))
	require.NoError(t, store.Delete(ctx, "cart:1"))
}

func TestTTLExpiry(t *testing.T) {
	mr, store := setup(t)
	ctx := context.Background()
	require.NoError(t, store.SetJSON(ctx, "k", doc{Name: "x"}, time.Minute))
	mr.FastForward(2 * time.Minute)
	var got doc
	found, err := store.GetJSON(ctx, "k", &got)
	require.NoError(t, err)
	require.False(t, found)
}

func TestCorruptDocumentAndEmptyKey(t *testing.T) {
	mr, store := setup(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("caisse:bad", "{not json"))
	var got doc
	_, err := store.GetJSON(ctx, "bad", &got)
	require.Error(t, err)

	_, err = store.GetJSON(ctx, "", &got)
	require.ErrorIs(t, err, kv.ErrEmptyKey)
	require.ErrorIs(t, store.SetJSON(ctx, "", got, 0), kv.ErrEmptyKey)
}
