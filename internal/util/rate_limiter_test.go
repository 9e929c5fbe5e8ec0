package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsBurstWithinBudget(t *testing.T) {
	r := NewRateLimiter("test", 600, testLog())

	// 600 points/min allows a burst of 61; a handful of calls must not block
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.WaitIfNeeded(context.Background(), "user-1"))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	m := r.GetMetrics()
	assert.Equal(t, uint64(5), m.Requests)
}

func TestRateLimiterBlocksWhenExhausted(t *testing.T) {
	// 55 points per 60s window with burst 6; the seventh call must wait
	r := NewRateLimiter("test", 55, testLog())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = r.WaitIfNeeded(ctx, "user-1")
	}
	// either a wait was cut short by the deadline or the limiter recorded
	// at least one pause
	if err == nil {
		assert.Greater(t, r.GetMetrics().Waits, uint64(0))
	} else {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
}

func TestRateLimiterKeyedIsolation(t *testing.T) {
	r := NewRateLimiter("test", 55, testLog())

	ctx := context.Background()
	// one identifier exhausting its bucket must not starve another
	for i := 0; i < 6; i++ {
		_ = r.WaitIfNeeded(ctx, "busy-user")
	}
	start := time.Now()
	require.NoError(t, r.WaitIfNeeded(ctx, "quiet-user"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRateLimiterDefaultPoints(t *testing.T) {
	r := NewRateLimiter("test", 0, testLog())
	assert.Equal(t, DefaultPoints, r.points)
}

func TestNormalizeToken(t *testing.T) {
	log := testLog()
	tests := []struct {
		input string
		want  string
	}{
		{"abc123", "abc123"},
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"BEARER   abc123", "abc123"},
		{"  Bearer abc123  ", "abc123"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeToken(tt.input, log))
	}
}
