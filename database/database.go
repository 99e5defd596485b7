// Package database 封装了 GORM 连接、连接池与带熔断保护的事务。
package database

import (
	"context"

	"github.com/wyfcoding/cmdbus/breaker"
	"github.com/wyfcoding/cmdbus/config"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/metrics"
	"github.com/wyfcoding/cmdbus/xerrors"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// DB 封装了 GORM 实例。
type DB struct {
	*gorm.DB
	driver  string
	breaker *breaker.Breaker
	logger  *logging.Logger
}

// NewDB 打开数据库连接，注册 otel 插件并设置连接池。
func NewDB(cfg config.DatabaseConfig, cbCfg config.CircuitBreakerConfig, logger *logging.Logger, m *metrics.Metrics) (*DB, error) {
	var dialer gorm.Dialector

	switch cfg.Driver {
	case DriverMySQL:
		dialer = mysql.Open(cfg.DSN)
	case DriverPostgres, "":
		cfg.Driver = DriverPostgres
		dialer = postgres.Open(cfg.DSN)
	default:
		return nil, xerrors.InvalidArg("unsupported database driver").WithDetail("driver=%s", cfg.Driver)
	}

	gormDB, err := gorm.Open(dialer, &gorm.Config{
		Logger:      logging.NewGormLogger(logger, cfg.SlowThreshold),
		PrepareStmt: false,
	})
	if err != nil {
		return nil, xerrors.Verbatim(err, xerrors.ErrConnection)
	}

	if errTracing := gormDB.Use(tracing.NewPlugin()); errTracing != nil {
		return nil, xerrors.WrapInternal(errTracing, "failed to register gorm otel plugin")
	}

	sqlDB, errDB := gormDB.DB()
	if errDB != nil {
		return nil, xerrors.WrapInternal(errDB, "failed to get underlying sql.DB")
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info("database connected", "driver", cfg.Driver, "max_open_conns", cfg.MaxOpenConns)

	return Wrap(gormDB, cfg.Driver, breaker.NewBreaker(breaker.Settings{
		Name:         "database-" + cfg.Driver,
		Config:       cbCfg,
		IsSuccessful: isInfraSuccess,
		Logger:       logger,
	}, m), logger), nil
}

// Wrap 用已有的 gorm 实例构造 DB，cb 可以为 nil。
func Wrap(gormDB *gorm.DB, driver string, cb *breaker.Breaker, logger *logging.Logger) *DB {
	return &DB{DB: gormDB, driver: driver, breaker: cb, logger: logger}
}

// isInfraSuccess 只有基础设施错误计入熔断失败，命令处理器的业务错误不计入。
func isInfraSuccess(err error) bool {
	return err == nil || xerrors.IsType(err, xerrors.ErrHandler)
}

// Driver 返回方言名称。
func (db *DB) Driver() string {
	return db.driver
}

// Transaction 在熔断保护下执行事务：fn 返回错误时回滚并原样返回该错误，否则提交。
func (db *DB) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return db.breaker.Execute(func() error {
		return db.DB.WithContext(ctx).Transaction(fn)
	})
}

// Ping 检查连接可用性。
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭底层连接池。
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
