// Package health 汇总命令总线依赖(数据库、Redis、Kafka)的健康状态并以 HTTP 暴露。
package health

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
)

const defaultCheckTimeout = 2 * time.Second

// Checker 定义健康检查函数原型。
type Checker func(ctx context.Context) error

// Pinger 可被探活的依赖，*database.DB 满足该接口。
type Pinger interface {
	Ping(ctx context.Context) error
}

// DBChecker 返回数据库健康检查函数。
func DBChecker(db Pinger) Checker {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New("database is nil")
		}
		return db.Ping(ctx)
	}
}

// RedisChecker 返回 Redis 健康检查函数。
func RedisChecker(client redis.UniversalClient) Checker {
	return func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		return client.Ping(ctx).Err()
	}
}

// Registry 按名称保存检查项。
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRegistry 创建检查项注册表，timeout 为单项检查的超时。
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Registry{checkers: make(map[string]Checker), timeout: timeout}
}

// Register 注册或替换检查项。
func (r *Registry) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = c
}

// Report 一次检查的结果。
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy 报告全部检查是否通过。
func (r Report) Healthy() bool {
	return r.Status == "ok"
}

// Check 并发执行全部检查项。
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	slices.Sort(names)
	checkers := make([]Checker, len(names))
	for i, name := range names {
		checkers[i] = r.checkers[name]
	}
	r.mu.RUnlock()

	results := make([]string, len(names))
	var wg conc.WaitGroup
	for i, c := range checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			if err := c(cctx); err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = "ok"
		})
	}
	wg.Wait()

	report := Report{Status: "ok", Checks: make(map[string]string, len(names))}
	for i, name := range names {
		report.Checks[name] = results[i]
		if results[i] != "ok" {
			report.Status = "unavailable"
		}
	}
	return report
}

// Handler 返回 /healthz 处理器，有检查失败时返回 503。
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := r.Check(c.Request.Context())
		if !report.Healthy() {
			c.JSON(http.StatusServiceUnavailable, report)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}
