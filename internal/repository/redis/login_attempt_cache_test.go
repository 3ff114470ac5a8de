package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginAttemptSlidingWindow(t *testing.T) {
	rc, _ := newTestClient(t)
	cache := NewLoginAttemptCache(rc, 15*time.Minute)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		n, err := cache.RecordFailure(ctx, "ada", start.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err := cache.Failures(ctx, "ada", start.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// First failure (12:01) has left the window at 12:16:30.
	n, err = cache.Failures(ctx, "ada", start.Add(16*time.Minute+30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, cache.Reset(ctx, "ada"))
	n, err = cache.Failures(ctx, "ada", start.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
