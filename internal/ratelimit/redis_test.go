package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewRedisWindow(t *testing.T) {
	w := NewRedisWindow(nil, "test:", 0, 0)
	require.NotNil(t, w)
	assert.Equal(t, "test:abc", w.key("abc"))
	assert.Equal(t, DefaultMaxAttempts, w.max)
	assert.Equal(t, DefaultWindow, w.window)
}

func TestRedisWindow_TripsAndResets(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	w := NewRedisWindow(client, "roomchat:test:"+uuid.NewString()+":", 3, time.Minute)
	t.Cleanup(func() { _ = w.Reset(ctx, "k") })

	for i := 0; i < 3; i++ {
		exceeded, err := w.Exceeded(ctx, "k")
		require.NoError(t, err)
		assert.False(t, exceeded)
		require.NoError(t, w.Fail(ctx, "k"))
	}

	exceeded, err := w.Exceeded(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exceeded)

	require.NoError(t, w.Reset(ctx, "k"))
	exceeded, err = w.Exceeded(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exceeded)
}

func TestRedisWindow_ExpiredFailuresAreTrimmed(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	w := NewRedisWindow(client, "roomchat:test:"+uuid.NewString()+":", 1, time.Minute)
	t.Cleanup(func() { _ = w.Reset(ctx, "k") })

	past := time.Now().Add(-2 * time.Minute)
	w.now = func() time.Time { return past }
	require.NoError(t, w.Fail(ctx, "k"))

	w.now = time.Now
	exceeded, err := w.Exceeded(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exceeded)
}
