// Package app 提供了应用程序的运行和管理功能，包括后台任务的启动、信号处理和资源清理。
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wyfcoding/cmdbus/logging"
	"golang.org/x/sync/errgroup"
)

const defaultStopTimeout = 10 * time.Second

// App 是应用程序的核心容器，负责管理应用程序的生命周期。
type App struct {
	name      string
	logger    *logging.Logger
	lifecycle *Lifecycle
	opts      options
}

// New 创建一个新的应用程序实例。
func New(name string, logger *logging.Logger, opts ...Option) *App {
	o := options{stopTimeout: defaultStopTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		name:      name,
		logger:    logger,
		lifecycle: NewLifecycle(logger),
		opts:      o,
	}
	for _, h := range o.hooks {
		a.lifecycle.Append(h)
	}
	return a
}

// Lifecycle 返回应用的生命周期管理器。
func (a *App) Lifecycle() *Lifecycle {
	return a.lifecycle
}

// Run 依次执行启动钩子，随后并发运行所有后台任务，直到收到 SIGINT/SIGTERM、ctx 取消或任一任务失败。
// 退出时按相反顺序执行停止钩子。
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.InfoContext(ctx, "application starting", "name", a.name, "pid", os.Getpid())

	if err := a.lifecycle.Start(ctx); err != nil {
		a.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range a.opts.runners {
		g.Go(func() error {
			return run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	if runErr != nil {
		a.logger.Error("background task failed", "name", a.name, "error", runErr)
	}

	a.logger.Info("shutting down application", "name", a.name)
	if err := a.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	a.logger.Info("application shut down", "name", a.name)
	return runErr
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.stopTimeout)
	defer cancel()
	return a.lifecycle.Stop(ctx)
}
