package commandlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/cmdbus/cache"
	"github.com/wyfcoding/cmdbus/config"
	"github.com/wyfcoding/cmdbus/logging"
)

func newCached(t *testing.T) (*CachedStore[*MemoryTx], *MemoryStore, *cache.BigCache) {
	t.Helper()
	c, err := cache.NewBigCache(context.Background(), "applied", config.BigCacheConfig{
		LifeWindow:  10 * time.Minute,
		CleanWindow: time.Minute,
		Shards:      16,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	inner := NewMemoryStore()
	return NewCachedStore[*MemoryTx](inner, c, logging.Discard()), inner, c
}

func TestCachedStoreFillsCacheAfterCommit(t *testing.T) {
	ctx := context.Background()
	s, _, c := newCached(t)
	tbl := TableFor("user", 1)

	require.NoError(t, s.WithinTx(ctx, tbl, []string{"k1"}, func(ctx context.Context, tx *MemoryTx) error {
		return s.Append(ctx, tx, tbl, []Entry{{Key: "k1", Timestamp: time.Now()}})
	}))

	hit, err := c.Has(cacheKey(tbl, "k1"))
	require.NoError(t, err)
	assert.True(t, hit)

	require.NoError(t, s.WithinTx(ctx, tbl, []string{"k1", "k2"}, func(ctx context.Context, tx *MemoryTx) error {
		applied, err := s.AppliedKeys(ctx, tx, tbl, []string{"k1", "k2"})
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"k1": {}}, applied)
		return nil
	}))
}

func TestCachedStoreSkipsCacheOnRollback(t *testing.T) {
	ctx := context.Background()
	s, inner, c := newCached(t)
	tbl := TableFor("user", 1)

	err := s.WithinTx(ctx, tbl, []string{"k1"}, func(ctx context.Context, tx *MemoryTx) error {
		require.NoError(t, s.Append(ctx, tx, tbl, []Entry{{Key: "k1"}}))
		return errors.New("handler failed")
	})
	require.Error(t, err)

	hit, err := c.Has(cacheKey(tbl, "k1"))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Empty(t, inner.Entries(tbl))
}

func TestCachedStoreCacheIsScopedPerTable(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newCached(t)
	v1, v2 := TableFor("user", 1), TableFor("user", 2)

	require.NoError(t, s.WithinTx(ctx, v1, []string{"k"}, func(ctx context.Context, tx *MemoryTx) error {
		return s.Append(ctx, tx, v1, []Entry{{Key: "k"}})
	}))
	require.NoError(t, s.WithinTx(ctx, v2, []string{"k"}, func(ctx context.Context, tx *MemoryTx) error {
		applied, err := s.AppliedKeys(ctx, tx, v2, []string{"k"})
		require.NoError(t, err)
		assert.Empty(t, applied)
		return nil
	}))
}
