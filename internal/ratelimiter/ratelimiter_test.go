package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		perSecond float64
		burst     int
		unlimited bool
	}{
		{"standard rate", 5, 10, false},
		{"fractional rate", 0.5, 1, false},
		{"zero burst clamps", 2, 0, false},
		{"unlimited", 0, 0, true},
		{"negative is unlimited", -1, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.perSecond, tt.burst)
			require.NotNil(t, limiter)
			assert.Equal(t, tt.unlimited, limiter.Unlimited())
		})
	}
}

func TestAllowEnforcesBurst(t *testing.T) {
	limiter := New(10, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow(), "bucket should be empty")

	time.Sleep(120 * time.Millisecond)
	assert.True(t, limiter.Allow(), "token should have been replenished")
}

func TestWait(t *testing.T) {
	limiter := New(10, 1)
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx))

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestWaitContextCancellation(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Error(t, limiter.Wait(ctx))
}

func TestSetLimit(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	limiter.SetLimit(0)
	assert.True(t, limiter.Unlimited())
	assert.True(t, limiter.Allow())

	limiter.SetLimit(2)
	assert.False(t, limiter.Unlimited())
}

func TestUnlimitedNeverThrottles(t *testing.T) {
	limiter := New(0, 0)
	for i := 0; i < 1000; i++ {
		require.True(t, limiter.Allow(), "request %d", i)
	}
	require.NoError(t, limiter.Wait(context.Background()))
}

func TestTokens(t *testing.T) {
	limiter := New(1, 5)
	assert.InDelta(t, 5, limiter.Tokens(), 0.5)

	limiter.Allow()
	limiter.Allow()
	assert.InDelta(t, 3, limiter.Tokens(), 0.5)
}

func BenchmarkAllow(b *testing.B) {
	limiter := New(1_000_000, 1_000_000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow()
	}
}
