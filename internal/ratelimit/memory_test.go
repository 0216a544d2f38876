package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_Allow(t *testing.T) {
	l := NewMemoryLimiter(&Config{Requests: 10, Window: time.Second, Burst: 5}, nil)
	defer func() { _ = l.Close() }()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
	}

	res, err := l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "burst exhausted")
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestMemoryLimiter_KeysIndependent(t *testing.T) {
	l := NewMemoryLimiter(&Config{Requests: 1, Window: time.Minute, Burst: 1}, nil)
	defer func() { _ = l.Close() }()

	ctx := context.Background()

	res, err := l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// A different tenant keeps its own budget.
	res, err = l.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiter_Refill(t *testing.T) {
	l := NewMemoryLimiter(&Config{Requests: 100, Window: time.Second, Burst: 1}, nil)
	defer func() { _ = l.Close() }()

	ctx := context.Background()

	res, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	time.Sleep(15 * time.Millisecond)

	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNoopLimiter(t *testing.T) {
	l := NewNoopLimiter()

	for i := 0; i < 100; i++ {
		res, err := l.Allow(context.Background(), "any")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}
