package partner

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheExpiry(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	c := NewMemoryCache().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	clock = base.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok, "entries past their TTL must read as absent")
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "token:user")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "token:user", "tok", 50*time.Minute))

	v, ok, err := c.Get(ctx, "token:user")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok", v)

	mr.FastForward(51 * time.Minute)
	_, ok, err = c.Get(ctx, "token:user")
	require.NoError(t, err)
	require.False(t, ok)
}
