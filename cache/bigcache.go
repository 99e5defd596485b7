// Package cache 提供进程内的键集合缓存，基于 allegro/bigcache。
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wyfcoding/cmdbus/config"
	"github.com/wyfcoding/cmdbus/metrics"
)

// marker 缓存的值，只关心键是否存在。
var marker = []byte{1}

// BigCache 只记录键是否存在的本地缓存。
// BigCache 对所有项统一设置过期时间(LifeWindow)，不支持按键设置。
type BigCache struct {
	cache  *bigcache.BigCache
	name   string
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

// NewBigCache 创建并返回一个新的 BigCache 实例。
func NewBigCache(ctx context.Context, name string, cfg config.BigCacheConfig, m *metrics.Metrics) (*BigCache, error) {
	bc := bigcache.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		bc.CleanWindow = cfg.CleanWindow
	} else {
		bc.CleanWindow = 5 * time.Minute
	}
	if cfg.Shards > 0 {
		bc.Shards = cfg.Shards
	}
	bc.HardMaxCacheSize = cfg.HardMaxCacheSize
	bc.Verbose = false

	c, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("初始化 bigcache 失败: %w", err)
	}

	return &BigCache{
		cache: c,
		name:  name,
		hits: m.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "The total number of cache hits",
		}, []string{"cache"}),
		misses: m.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "The total number of cache misses",
		}, []string{"cache"}),
	}, nil
}

// Has 报告 key 是否在缓存中。
func (c *BigCache) Has(key string) (bool, error) {
	_, err := c.cache.Get(key)
	switch {
	case err == nil:
		c.hits.WithLabelValues(c.name).Inc()
		return true, nil
	case errors.Is(err, bigcache.ErrEntryNotFound):
		c.misses.WithLabelValues(c.name).Inc()
		return false, nil
	default:
		return false, err
	}
}

// Mark 将 key 加入缓存。
func (c *BigCache) Mark(key string) error {
	return c.cache.Set(key, marker)
}

// Len 返回缓存项数量。
func (c *BigCache) Len() int {
	return c.cache.Len()
}

// Close 关闭 BigCache 实例，释放其占用的资源。
func (c *BigCache) Close() error {
	return c.cache.Close()
}
