package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowSlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	limiter := Limiter{Client: client, Prefix: "test:", Now: func() time.Time { return now }}

	ctx := context.Background()
	window := 2 * time.Second
	max := 2

	for i := 0; i < max; i++ {
		allowed, remaining, reset, err := limiter.Allow(ctx, "till-1", window, max)
		require.NoError(t, err)
		require.True(t, allowed, "request %d", i)
		require.Equal(t, max-(i+1), remaining)
		require.True(t, reset.Equal(now.Add(window)), "reset %s", reset)
	}

	now = now.Add(time.Second)
	allowed, remaining, reset, err := limiter.Allow(ctx, "till-1", window, max)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Zero(t, remaining)
	require.True(t, reset.Equal(now.Add(time.Second)), "reset follows the oldest accepted event")

	// the rejected call above is not counted
	now = now.Add(time.Second + time.Millisecond)
	allowed, _, _, err = limiter.Allow(ctx, "till-1", window, max)
	require.NoError(t, err)
	require.True(t, allowed, "older events slide out of the window")
	allowed, remaining, _, err = limiter.Allow(ctx, "till-1", window, max)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Zero(t, remaining)
}

func TestLimiterDisabled(t *testing.T) {
	allowed, remaining, _, err := Limiter{}.Allow(context.Background(), "k", time.Second, 3)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 3, remaining)
}
