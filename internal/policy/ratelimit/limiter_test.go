package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterPacesSameHost(t *testing.T) {
	t.Parallel()
	// 10 requests per second with burst 1: the second call waits ~100ms.
	l := New(Config{RequestsPerSecond: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterSeparatesHosts(t *testing.T) {
	t.Parallel()
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.com/1"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 2, l.Hosts())
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	t.Parallel()
	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, "https://example.com"))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()
	l := New(Config{RequestsPerSecond: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "https://slow.example.com"))
}

func TestLimiterUnknownHost(t *testing.T) {
	t.Parallel()
	l := New(Config{})
	require.NoError(t, l.Wait(context.Background(), "::not a url"))
	assert.Equal(t, 1, l.Hosts())
}
