// cmdbusd 运行命令总线：连接 Kafka，按配置选择命令日志后端，注册执行器并开始消费。
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/wyfcoding/cmdbus/app"
	"github.com/wyfcoding/cmdbus/cache"
	"github.com/wyfcoding/cmdbus/command"
	"github.com/wyfcoding/cmdbus/commandlog"
	"github.com/wyfcoding/cmdbus/config"
	"github.com/wyfcoding/cmdbus/database"
	"github.com/wyfcoding/cmdbus/health"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/messagequeue/kafka"
	"github.com/wyfcoding/cmdbus/metrics"
	"github.com/wyfcoding/cmdbus/redis"
	"github.com/wyfcoding/cmdbus/retry"
	"github.com/wyfcoding/cmdbus/server"
	"github.com/wyfcoding/cmdbus/tracing"
	"gorm.io/gorm"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/cmdbusd.toml", "config file path")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("cmdbusd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg config.Config
	if err := config.Load(configPath, &cfg); err != nil {
		return err
	}

	logger := logging.InitLogger(logging.Config{
		Service:    cfg.Service.Name,
		Module:     "cmdbusd",
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	config.RegisterReloadHook(func(c *config.Config) {
		logging.SetLevel(c.Log.Level)
	})
	config.PrintWithMask(cfg)

	shutdownTracer, err := tracing.InitTracer(cfg.Tracing, cfg.Service.Environment, version)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics(cfg.Service.Name)
	m.RegisterBuildInfo(cfg.Service.Name, version)

	checks := health.NewRegistry(0)
	hooks := []app.Hook{{
		Name:   "tracer",
		OnStop: shutdownTracer,
	}}

	broker := kafka.NewBroker(cfg.Kafka, logger, m)
	checks.Register("kafka", health.BrokerChecker(
		func() (string, bool) { return "producer", broker.ProducerState() == kafka.Connected },
		func() (string, bool) { return "consumer", broker.ConsumerState() == kafka.Connected },
	))
	checks.Register("kafka_dial", health.KafkaChecker(cfg.Kafka.Addr(), cfg.Kafka.ClientID))

	ctx := context.Background()

	var (
		storeHooks []app.Hook
		start      func(ctx context.Context) error
	)
	switch cfg.CommandLog.Backend {
	case "redis":
		client, cleanup, err := redis.NewClient(cfg.Redis, logger.WithModule("redis"), m)
		if err != nil {
			return err
		}
		storeHooks = append(storeHooks, app.Hook{Name: "redis", OnStop: func(context.Context) error {
			cleanup()
			return nil
		}})
		checks.Register("redis", health.RedisChecker(client))

		var store commandlog.Store[*commandlog.RedisTx] = commandlog.NewRedisStore(
			client, cfg.CommandLog.RedisPrefix, cfg.CommandLog.RedisTTL, logger.WithModule("commandlog"))
		store, err = withCache(ctx, &cfg, store, logger, m, &storeHooks)
		if err != nil {
			return err
		}
		start = func(ctx context.Context) error { return startBus(ctx, &cfg, broker, store, logger, m) }
	default:
		db, err := database.NewDB(cfg.Database, cfg.CircuitBreaker, logger.WithModule("database"), m)
		if err != nil {
			return err
		}
		storeHooks = append(storeHooks, app.Hook{Name: "database", OnStop: func(context.Context) error {
			return db.Close()
		}})
		checks.Register("database", health.DBChecker(db))

		var store commandlog.Store[*gorm.DB] = commandlog.NewGormStore(db, logger.WithModule("commandlog"))
		store, err = withCache(ctx, &cfg, store, logger, m, &storeHooks)
		if err != nil {
			return err
		}
		start = func(ctx context.Context) error { return startBus(ctx, &cfg, broker, store, logger, m) }
	}
	hooks = append(hooks, storeHooks...)

	// Finalize 在 start 之前登记，start 中途失败时已连接的一侧也会被断开。
	hooks = append(hooks,
		app.Hook{Name: "kafka", OnStop: broker.Finalize},
		app.Hook{Name: "command bus", OnStart: start},
	)

	sender, err := command.NewSender(command.NewTopic(echoTopic, echoVersion), cfg.Kafka.Prefix, broker, logger.WithModule("sender"))
	if err != nil {
		return err
	}

	var runners []app.Runner
	if cfg.Metrics.Enabled {
		engine := server.NewDefaultGinEngine(cfg.Service.Name, logger.WithModule("http"))
		registerRoutes(engine, cfg.Metrics.Path, m, checks,
			retrying(sender, retry.FromConfig(cfg.Retry)), logger.WithModule("echo"))
		runners = append(runners, server.NewGinServer(engine, ":"+cfg.Metrics.Port, logger.WithModule("http")).Run)
	}

	return app.New(cfg.Service.Name, logger,
		app.WithHook(hooks...),
		app.WithRunner(runners...),
	).Run(ctx)
}

// withCache 在开启 commandlog.cache_enabled 时为 store 加一层本地已应用键缓存。
func withCache[Tx any](ctx context.Context, cfg *config.Config, store commandlog.Store[Tx], logger *logging.Logger, m *metrics.Metrics, hooks *[]app.Hook) (commandlog.Store[Tx], error) {
	if !cfg.CommandLog.CacheEnabled {
		return store, nil
	}
	bc, err := cache.NewBigCache(ctx, "commandlog", cfg.BigCache, m)
	if err != nil {
		return nil, err
	}
	*hooks = append(*hooks, app.Hook{Name: "bigcache", OnStop: func(context.Context) error {
		return bc.Close()
	}})
	return commandlog.NewCachedStore(store, bc, logger.WithModule("commandlog")), nil
}

// startBus 连接生产端，注册执行器，冻结注册表后加入消费组。
func startBus[Tx any](ctx context.Context, cfg *config.Config, broker *kafka.Broker, store commandlog.Store[Tx], logger *logging.Logger, m *metrics.Metrics) error {
	if _, err := broker.InitProducer(ctx); err != nil {
		return err
	}

	registrar := command.NewRegistrar(command.NewRegistry(cfg.Kafka.Prefix), store, logger.WithModule("registrar"))
	executor := command.NewExecutor(store, logger.WithModule("executor"), m)
	for _, v := range []int{echoVersion - 1, echoVersion} {
		topic := command.NewTopic(echoTopic, v)
		if err := command.RegisterExecutor(ctx, registrar, executor, topic, echoHandler[Tx](logger)); err != nil {
			return err
		}
	}

	meta, err := broker.InitConsumer(ctx, registrar.Registry().Seal())
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "command bus ready",
		"client_id", meta.ClientID, "controller", fmt.Sprintf("%s:%d", meta.Controller.Host, meta.Controller.Port))
	return nil
}
