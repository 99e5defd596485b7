// Package retry 提供指数退避重试。
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/wyfcoding/cmdbus/config"
)

// Func 可被重试执行的函数。
type Func func() error

// Config 重试策略。
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	MaxRetries     int
}

// DefaultRetryConfig 返回默认重试配置。
func DefaultRetryConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// FromConfig 由配置文件中的 retry 段构造 Config。
func FromConfig(c config.RetryConfig) Config {
	return Config{
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
		Jitter:         c.Jitter,
		MaxRetries:     c.MaxRetries,
	}
}

// Retry 按策略执行 fn，直到成功或用尽次数。
func Retry(ctx context.Context, fn Func, cfg Config) error {
	return RetryIf(ctx, fn, func(error) bool { return true }, cfg)
}

// RetryIf 仅在 shouldRetry 返回 true 时进行重试，MaxRetries 为负数时只执行一次。
func RetryIf(ctx context.Context, fn Func, shouldRetry func(error) bool, cfg Config) error {
	if cfg.MaxRetries < 0 {
		return fn()
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxRetries || !shouldRetry(lastErr) {
			return lastErr
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		next := float64(backoff) * cfg.Multiplier
		if cfg.Jitter > 0 {
			next += (rand.Float64()*2 - 1) * cfg.Jitter * next
		}

		backoff = time.Duration(next)
		if cfg.MaxBackoff > 0 {
			backoff = min(backoff, cfg.MaxBackoff)
		}
	}

	return lastErr
}
