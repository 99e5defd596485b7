package app

import (
	"context"
	"errors"
	"sync"

	"github.com/wyfcoding/cmdbus/logging"
)

// Hook 定义了生命周期钩子，包含启动和停止逻辑
type Hook struct {
	Name    string
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

// Lifecycle 管理应用程序中多个组件的生命周期。
// 只有启动成功的组件会在 Stop 时被停止。
type Lifecycle struct {
	logger  *logging.Logger
	mu      sync.Mutex
	hooks   []Hook
	started int
}

// NewLifecycle 创建一个新的生命周期管理器
func NewLifecycle(logger *logging.Logger) *Lifecycle {
	return &Lifecycle{logger: logger.WithModule("lifecycle")}
}

// Append 添加一个生命周期钩子
func (l *Lifecycle) Append(hook Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook)
}

// Start 按顺序启动所有组件，遇到第一个失败即返回。
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.started < len(l.hooks) {
		hook := l.hooks[l.started]
		if hook.OnStart != nil {
			l.logger.InfoContext(ctx, "starting component", "name", hook.Name)
			if err := hook.OnStart(ctx); err != nil {
				l.logger.ErrorContext(ctx, "failed to start component", "name", hook.Name, "error", err)
				return err
			}
		}
		l.started++
	}
	return nil
}

// Stop 以相反的顺序停止已启动的组件，返回全部停止错误。
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for ; l.started > 0; l.started-- {
		hook := l.hooks[l.started-1]
		if hook.OnStop == nil {
			continue
		}
		l.logger.InfoContext(ctx, "stopping component", "name", hook.Name)
		if err := hook.OnStop(ctx); err != nil {
			l.logger.ErrorContext(ctx, "failed to stop component", "name", hook.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
