package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitTake(t *testing.T) {
	repo := NewRateLimitRepository(setupDB(t))
	ctx := context.Background()
	now := time.Now()

	// 窗口内前 limit 次放行
	for i := 0; i < 3; i++ {
		allowed, _, err := repo.Take(ctx, "post", now, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "take %d should be allowed", i)
	}

	// 超额拒绝并给出窗口重置时间
	allowed, resetAt, err := repo.Take(ctx, "post", now.Add(time.Second), 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.WithinDuration(t, now.Add(time.Minute), resetAt, time.Second)

	// scope 相互独立
	allowed, _, err = repo.Take(ctx, "reply", now, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)

	// 窗口过期后重新放行
	allowed, _, err = repo.Take(ctx, "post", now.Add(61*time.Second), 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCursorRoundTrip(t *testing.T) {
	repo := NewCursorRepository(setupDB(t))
	ctx := context.Background()

	// 未知流返回零位点
	c, err := repo.Get(ctx, "feed:reuters")
	require.NoError(t, err)
	assert.Empty(t, c.LastSeenID)

	at := time.Now()
	require.NoError(t, repo.Set(ctx, "feed:reuters", "guid-100", at))
	require.NoError(t, repo.Set(ctx, "feed:reuters", "guid-200", at.Add(time.Minute)))

	c, err = repo.Get(ctx, "feed:reuters")
	require.NoError(t, err)
	assert.Equal(t, "guid-200", c.LastSeenID)
}
