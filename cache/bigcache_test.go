package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/cmdbus/config"
)

func TestBigCacheMarkHas(t *testing.T) {
	c, err := NewBigCache(context.Background(), "test", config.BigCacheConfig{LifeWindow: time.Minute, Shards: 16}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	hit, err := c.Has("command_logs.user.1|k1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Mark("command_logs.user.1|k1"))
	hit, err = c.Has("command_logs.user.1|k1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, c.Len())

	hit, err = c.Has("command_logs.user.2|k1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestBigCacheRejectsBadShards(t *testing.T) {
	_, err := NewBigCache(context.Background(), "test", config.BigCacheConfig{LifeWindow: time.Minute, Shards: 3}, nil)
	require.Error(t, err)
}
