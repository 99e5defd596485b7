package commandlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wyfcoding/cmdbus/logging"
)

// ErrDuplicateKey 追加的键已经存在。
var ErrDuplicateKey = errors.New("command key already applied")

// RedisTx 是 RedisStore 的事务句柄。
// 读操作直接走已 WATCH 的连接，写操作排入 Pipe，在提交时以 MULTI/EXEC 原子执行。
// 业务处理器的写入也应排入 Pipe。
type RedisTx struct {
	*redis.Tx
	Pipe redis.Pipeliner
}

// RedisStore 基于 Redis 的命令日志，键格式为 {prefix}:{schema}:{table}:{key}，带 TTL。
// WATCH 本批次的所有键，其他消费者在提交前写入同一键会使 EXEC 失败。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logging.Logger
}

var _ Store[*RedisTx] = (*RedisStore)(nil)

// NewRedisStore 创建 RedisStore，ttl 为 0 表示永不过期。
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger *logging.Logger) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *RedisStore) key(t Table, key string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, t.Schema, t.Name, key)
}

func (s *RedisStore) keys(t Table, keys []string) []string {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(t, k)
	}
	return full
}

// EnsureTable Redis 无需建表。
func (s *RedisStore) EnsureTable(context.Context, Table) error {
	return nil
}

// WithinTx 在 WATCH 保护下执行 fn，成功后 EXEC 提交排队的写入。
func (s *RedisStore) WithinTx(ctx context.Context, t Table, keys []string, fn func(ctx context.Context, tx *RedisTx) error) error {
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		pipe := tx.TxPipeline()
		if err := fn(ctx, &RedisTx{Tx: tx, Pipe: pipe}); err != nil {
			pipe.Discard()
			return err
		}
		if pipe.Len() == 0 {
			return nil
		}
		_, err := pipe.Exec(ctx)
		return err
	}, s.keys(t, keys)...)
}

// AppliedKeys 通过 MGET 判断哪些键已存在。
func (s *RedisStore) AppliedKeys(ctx context.Context, tx *RedisTx, t Table, keys []string) (map[string]struct{}, error) {
	applied := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return applied, nil
	}

	vals, err := tx.MGet(ctx, s.keys(t, keys)...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v != nil {
			applied[keys[i]] = struct{}{}
		}
	}
	return applied, nil
}

// Append 已存在的键直接报错，其余键以 SET NX 排入事务。
func (s *RedisStore) Append(ctx context.Context, tx *RedisTx, t Table, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	full := s.keys(t, Keys(entries))
	n, err := tx.Exists(ctx, full...).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: table %s", ErrDuplicateKey, t)
	}

	for i, e := range entries {
		tx.Pipe.SetNX(ctx, full[i], strconv.FormatInt(e.Timestamp.UnixMilli(), 10), s.ttl)
	}
	return nil
}
