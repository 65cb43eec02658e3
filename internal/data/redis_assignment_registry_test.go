package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-theia/theia-api/internal/testutil"
)

func TestRedisAssignmentRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	defer client.Close()

	reg := NewRedisAssignmentRegistry(client, "test:assignment:")
	ctx := context.Background()

	t.Run("claim is exclusive", func(t *testing.T) {
		ok, err := reg.Claim(ctx, "job-1", "w1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = reg.Claim(ctx, "job-1", "w2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		// Re-claiming by the owner refreshes instead of failing.
		ok, err = reg.Claim(ctx, "job-1", "w1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ttl := client.TTL(ctx, "test:assignment:job-1").Val()
		assert.True(t, ttl > 0 && ttl <= time.Minute)
	})

	t.Run("refresh only by owner", func(t *testing.T) {
		ok, err := reg.Refresh(ctx, "job-1", "w2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = reg.Refresh(ctx, "job-1", "w1", 2*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("active reports live owners", func(t *testing.T) {
		ok, err := reg.Claim(ctx, "job-2", "w3", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		active, err := reg.Active(ctx, []string{"job-1", "job-2", "job-3"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"job-1": "w1", "job-2": "w3"}, active)
	})

	t.Run("release ignores non-owner", func(t *testing.T) {
		require.NoError(t, reg.Release(ctx, "job-2", "w1"))
		active, err := reg.Active(ctx, []string{"job-2"})
		require.NoError(t, err)
		assert.Equal(t, "w3", active["job-2"])

		require.NoError(t, reg.Release(ctx, "job-2", "w3"))
		active, err = reg.Active(ctx, []string{"job-2"})
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := reg.Claim(ctx, "", "w1", time.Minute)
		assert.ErrorIs(t, err, ErrJobIDRequired)
		_, err = reg.Claim(ctx, "job-9", "", time.Minute)
		assert.ErrorIs(t, err, ErrWorkerIDRequired)
	})
}
