package sales_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-caisse/internal/kv"
	"github.com/noah-isme/backend-caisse/internal/lock"
	"github.com/noah-isme/backend-caisse/internal/sales"
	"github.com/noah-isme/backend-caisse/internal/settlement"
)

func newStore(t *testing.T) *sales.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &sales.Store{
		KV:    kv.NewRedis(client, ""),
		Guard: lock.Locker{R: client, Prefix: "lock:", RetryBackoff: time.Millisecond},
	}
}

func TestSaveListNewestFirst(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, sales.Sale{ID: "s1", CreatedAt: base}))
	require.NoError(t, store.Save(ctx, sales.Sale{ID: "s2", CreatedAt: base.Add(time.Hour)}))
	require.ErrorIs(t, store.Save(ctx, sales.Sale{ID: "s1"}), sales.ErrDuplicateID)
	require.ErrorIs(t, store.Save(ctx, sales.Sale{}), sales.ErrInvalidSale)

	list, err := store.ListSales(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "s2", list[0].ID)
	require.Equal(t, "s1", list[1].ID)
}

func TestCancelIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sale := sales.Sale{
		ID:         "s1",
		Settlement: settlement.Settlement{Instrument: settlement.Instrument{Kind: settlement.KindDeferredChecks, Count: 3}},
	}
	require.NoError(t, store.Save(ctx, sale))

	first := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	got, err := store.Cancel(ctx, "s1", first)
	require.NoError(t, err)
	require.True(t, got.Canceled)
	require.True(t, got.HasDeferredChecks())

	got, err = store.Cancel(ctx, "s1", first.Add(24*time.Hour))
	require.NoError(t, err)
	require.True(t, first.Equal(*got.CanceledAt))

	_, err = store.Cancel(ctx, "missing", first)
	require.ErrorIs(t, err, sales.ErrNotFound)
}
