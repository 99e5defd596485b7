package commandlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/cmdbus/logging"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "cmdbus", time.Hour, logging.Discard()), mr, client
}

func TestRedisStoreAppendCommitsOnExec(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newRedisStore(t)
	tbl := TableFor("user", 1)
	ts := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.EnsureTable(ctx, tbl))
	require.NoError(t, s.WithinTx(ctx, tbl, []string{"k1", "k2"}, func(ctx context.Context, tx *RedisTx) error {
		applied, err := s.AppliedKeys(ctx, tx, tbl, []string{"k1", "k2"})
		require.NoError(t, err)
		assert.Empty(t, applied)
		return s.Append(ctx, tx, tbl, []Entry{{Key: "k1", Timestamp: ts}, {Key: "k2", Timestamp: ts}})
	}))

	got, err := mr.Get("cmdbus:command_logs:user.1:k1")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", got)
	assert.Equal(t, time.Hour, mr.TTL("cmdbus:command_logs:user.1:k2"))

	require.NoError(t, s.WithinTx(ctx, tbl, []string{"k1", "k3"}, func(ctx context.Context, tx *RedisTx) error {
		applied, err := s.AppliedKeys(ctx, tx, tbl, []string{"k1", "k3"})
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"k1": {}}, applied)
		return nil
	}))
}

func TestRedisStoreRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newRedisStore(t)
	tbl := TableFor("user", 1)

	errBoom := errors.New("boom")
	err := s.WithinTx(ctx, tbl, []string{"k1"}, func(ctx context.Context, tx *RedisTx) error {
		require.NoError(t, s.Append(ctx, tx, tbl, []Entry{{Key: "k1", Timestamp: time.Now()}}))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.False(t, mr.Exists("cmdbus:command_logs:user.1:k1"))
}

func TestRedisStoreAppendRejectsExistingKey(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newRedisStore(t)
	tbl := TableFor("user", 1)
	require.NoError(t, mr.Set("cmdbus:command_logs:user.1:k1", "1"))

	err := s.WithinTx(ctx, tbl, []string{"k1"}, func(ctx context.Context, tx *RedisTx) error {
		return s.Append(ctx, tx, tbl, []Entry{{Key: "k1", Timestamp: time.Now()}})
	})
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestRedisStoreConcurrentWriterAbortsExec(t *testing.T) {
	ctx := context.Background()
	s, _, client := newRedisStore(t)
	tbl := TableFor("user", 1)

	err := s.WithinTx(ctx, tbl, []string{"k1"}, func(ctx context.Context, tx *RedisTx) error {
		require.NoError(t, s.Append(ctx, tx, tbl, []Entry{{Key: "k1", Timestamp: time.Now()}}))
		// 另一个消费者抢先写入同一个键
		return client.Set(ctx, "cmdbus:command_logs:user.1:k1", "0", 0).Err()
	})
	require.ErrorIs(t, err, redis.TxFailedErr)
}
