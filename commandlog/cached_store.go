package commandlog

import (
	"context"
	"sync"

	"github.com/wyfcoding/cmdbus/cache"
	"github.com/wyfcoding/cmdbus/logging"
)

// CachedStore 在任意 Store 前加一层本地已应用键缓存。
//
// 缓存只做正向判定：命中表示该键早已提交；未命中时仍以底层存储为准。
// 键只在底层事务提交成功后才写入缓存。
type CachedStore[Tx any] struct {
	inner  Store[Tx]
	cache  *cache.BigCache
	logger *logging.Logger
}

var _ Store[struct{}] = (*CachedStore[struct{}])(nil)

// NewCachedStore 包装 inner。
func NewCachedStore[Tx any](inner Store[Tx], c *cache.BigCache, logger *logging.Logger) *CachedStore[Tx] {
	return &CachedStore[Tx]{inner: inner, cache: c, logger: logger}
}

type pendingKey struct{}

// pending 收集一次事务内追加的键，提交后统一写入缓存。
type pending struct {
	mu   sync.Mutex
	keys []string
}

func cacheKey(t Table, key string) string {
	return t.String() + "|" + key
}

func (s *CachedStore[Tx]) EnsureTable(ctx context.Context, t Table) error {
	return s.inner.EnsureTable(ctx, t)
}

func (s *CachedStore[Tx]) WithinTx(ctx context.Context, t Table, keys []string, fn func(ctx context.Context, tx Tx) error) error {
	p := &pending{}
	ctx = context.WithValue(ctx, pendingKey{}, p)

	if err := s.inner.WithinTx(ctx, t, keys, fn); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if err := s.cache.Mark(k); err != nil {
			s.logger.WarnContext(ctx, "failed to cache applied key", "key", k, "error", err)
		}
	}
	return nil
}

func (s *CachedStore[Tx]) AppliedKeys(ctx context.Context, tx Tx, t Table, keys []string) (map[string]struct{}, error) {
	applied := make(map[string]struct{}, len(keys))
	misses := make([]string, 0, len(keys))
	for _, k := range keys {
		hit, err := s.cache.Has(cacheKey(t, k))
		if err != nil {
			s.logger.WarnContext(ctx, "applied key cache lookup failed", "key", k, "error", err)
		}
		if hit {
			applied[k] = struct{}{}
			continue
		}
		misses = append(misses, k)
	}
	if len(misses) == 0 {
		return applied, nil
	}

	found, err := s.inner.AppliedKeys(ctx, tx, t, misses)
	if err != nil {
		return nil, err
	}
	for k := range found {
		applied[k] = struct{}{}
	}
	return applied, nil
}

func (s *CachedStore[Tx]) Append(ctx context.Context, tx Tx, t Table, entries []Entry) error {
	if err := s.inner.Append(ctx, tx, t, entries); err != nil {
		return err
	}
	if p, ok := ctx.Value(pendingKey{}).(*pending); ok {
		p.mu.Lock()
		for _, e := range entries {
			p.keys = append(p.keys, cacheKey(t, e.Key))
		}
		p.mu.Unlock()
	}
	return nil
}
