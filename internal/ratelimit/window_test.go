package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_TripsAfterMaxFailures(t *testing.T) {
	m := NewMemory(5, 15*time.Minute)
	ctx := context.Background()
	key := "10.0.0.1|Kitchen"

	for i := 0; i < 5; i++ {
		exceeded, err := m.Exceeded(ctx, key)
		require.NoError(t, err)
		assert.False(t, exceeded, "attempt %d", i+1)
		require.NoError(t, m.Fail(ctx, key))
	}

	exceeded, err := m.Exceeded(ctx, key)
	require.NoError(t, err)
	assert.True(t, exceeded)

	other, err := m.Exceeded(ctx, "10.0.0.2|Kitchen")
	require.NoError(t, err)
	assert.False(t, other, "keys are independent")
}

func TestMemory_ResetClearsKey(t *testing.T) {
	m := NewMemory(2, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Fail(ctx, "k"))
	require.NoError(t, m.Fail(ctx, "k"))
	require.NoError(t, m.Reset(ctx, "k"))

	exceeded, err := m.Exceeded(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exceeded)
}

func TestMemory_WindowSlides(t *testing.T) {
	m := NewMemory(2, time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Fail(ctx, "k"))
	now = now.Add(40 * time.Second)
	require.NoError(t, m.Fail(ctx, "k"))

	exceeded, _ := m.Exceeded(ctx, "k")
	assert.True(t, exceeded)

	now = now.Add(30 * time.Second)
	exceeded, _ = m.Exceeded(ctx, "k")
	assert.False(t, exceeded, "first failure left the window")

	m.mu.Lock()
	assert.Len(t, m.failures["k"], 1)
	m.mu.Unlock()
}

func TestNewMemory_Defaults(t *testing.T) {
	m := NewMemory(0, 0)
	assert.Equal(t, DefaultMaxAttempts, m.max)
	assert.Equal(t, DefaultWindow, m.window)
}
