package app

import (
	"context"
	"time"
)

// Runner 是一个阻塞运行直到 ctx 取消的后台任务，例如指标服务器。
type Runner func(ctx context.Context) error

// Option 是一个函数类型，用于配置应用程序选项。
type Option func(*options)

type options struct {
	runners     []Runner
	hooks       []Hook
	stopTimeout time.Duration
}

// WithRunner 添加一个或多个后台任务。
func WithRunner(runners ...Runner) Option {
	return func(o *options) {
		o.runners = append(o.runners, runners...)
	}
}

// WithHook 添加生命周期钩子，启动顺序与添加顺序一致。
func WithHook(hooks ...Hook) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, hooks...)
	}
}

// WithStopTimeout 设置停止钩子的总超时。
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}
