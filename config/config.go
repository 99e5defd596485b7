// Package config 提供了命令总线服务的配置加载、校验与热更新能力。
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/xerrors"
)

// Config 全局顶级配置结构。
type Config struct {
	Service        ServiceConfig        `mapstructure:"service"        toml:"service"`
	Log            LogConfig            `mapstructure:"log"            toml:"log"`
	Kafka          KafkaConfig          `mapstructure:"kafka"          toml:"kafka"`
	Database       DatabaseConfig       `mapstructure:"database"       toml:"database"`
	Redis          RedisConfig          `mapstructure:"redis"          toml:"redis"`
	BigCache       BigCacheConfig       `mapstructure:"bigcache"       toml:"bigcache"`
	CommandLog     CommandLogConfig     `mapstructure:"commandlog"     toml:"commandlog"`
	Metrics        MetricsConfig        `mapstructure:"metrics"        toml:"metrics"`
	Tracing        TracingConfig        `mapstructure:"tracing"        toml:"tracing"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitbreaker" toml:"circuitbreaker"`
	Retry          RetryConfig          `mapstructure:"retry"          toml:"retry"`
}

// ServiceConfig 服务标识与运行环境。
type ServiceConfig struct {
	Name        string `mapstructure:"name"        toml:"name"        validate:"required"`
	Environment string `mapstructure:"environment" toml:"environment" validate:"omitempty,oneof=development production test"`
}

// LogConfig 定义日志输出、级别与切割策略。
type LogConfig struct {
	Level      string `mapstructure:"level"       toml:"level"`
	File       string `mapstructure:"file"        toml:"file"`
	MaxSize    int    `mapstructure:"max_size"    toml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"     toml:"max_age"`
	Compress   bool   `mapstructure:"compress"    toml:"compress"`
}

// KafkaConfig 定义命令总线的 broker 连接参数。
// Prefix 是环境前缀，生产者与消费者都以 {prefix}.{topic}.{version} 寻址。
type KafkaConfig struct {
	Host           string        `mapstructure:"host"             toml:"host"             validate:"required"`
	Port           int           `mapstructure:"port"             toml:"port"             validate:"required,min=1,max=65535"`
	ClientID       string        `mapstructure:"client_id"        toml:"client_id"        validate:"required"`
	GroupIDPrefix  string        `mapstructure:"group_id_prefix"  toml:"group_id_prefix"  validate:"required"`
	Prefix         string        `mapstructure:"prefix"           toml:"prefix"           validate:"required"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"  toml:"connect_timeout"  validate:"required"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"    toml:"write_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"     toml:"read_timeout"`
	MaxWait        time.Duration `mapstructure:"max_wait"         toml:"max_wait"`
	MinBytes       int           `mapstructure:"min_bytes"        toml:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"        toml:"max_bytes"`
	MaxAttempts    int           `mapstructure:"max_attempts"     toml:"max_attempts"`
	Compression    string        `mapstructure:"compression"      toml:"compression"      validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
}

// Addr 返回 host:port 形式的 broker 地址。
func (c KafkaConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabaseConfig 定义单数据库实例连接与连接池参数。
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"            toml:"driver"            validate:"omitempty,oneof=postgres mysql"`
	DSN             string        `mapstructure:"dsn"               toml:"dsn"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" toml:"conn_max_lifetime"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"    toml:"slow_threshold"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    toml:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    toml:"max_open_conns"`
}

// RedisConfig 定义 Redis 连接与池化参数。
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"           toml:"addr"`
	Password     string        `mapstructure:"password"       toml:"password"`
	DB           int           `mapstructure:"db"             toml:"db"`
	PoolSize     int           `mapstructure:"pool_size"      toml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" toml:"min_idle_conns"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"   toml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"  toml:"write_timeout"`
}

// BigCacheConfig 本地已应用键缓存参数。
type BigCacheConfig struct {
	LifeWindow       time.Duration `mapstructure:"life_window"         toml:"life_window"`
	CleanWindow      time.Duration `mapstructure:"clean_window"        toml:"clean_window"`
	Shards           int           `mapstructure:"shards"              toml:"shards"`
	HardMaxCacheSize int           `mapstructure:"hard_max_cache_size" toml:"hard_max_cache_size"`
}

// CommandLogConfig 选择命令日志的持久化后端。
type CommandLogConfig struct {
	Backend      string        `mapstructure:"backend"       toml:"backend"       validate:"oneof=gorm redis"`
	RedisPrefix  string        `mapstructure:"redis_prefix"  toml:"redis_prefix"`
	RedisTTL     time.Duration `mapstructure:"redis_ttl"     toml:"redis_ttl"`
	CacheEnabled bool          `mapstructure:"cache_enabled" toml:"cache_enabled"`
}

// MetricsConfig 普罗米修斯指标暴露配置。
type MetricsConfig struct {
	Port    string `mapstructure:"port"    toml:"port"`
	Path    string `mapstructure:"path"    toml:"path"`
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
}

// TracingConfig OpenTelemetry 链路追踪配置。
type TracingConfig struct {
	ServiceName  string  `mapstructure:"service_name"  toml:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" toml:"otlp_endpoint"`
	SamplerRatio float64 `mapstructure:"sampler_ratio" toml:"sampler_ratio"`
	Enabled      bool    `mapstructure:"enabled"       toml:"enabled"`
}

// CircuitBreakerConfig 熔断策略。
type CircuitBreakerConfig struct {
	Interval    time.Duration `mapstructure:"interval"     toml:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"      toml:"timeout"`
	MaxRequests uint32        `mapstructure:"max_requests" toml:"max_requests"`
	Enabled     bool          `mapstructure:"enabled"      toml:"enabled"`
}

// RetryConfig 发送端重试策略，重试始终复用同一幂等键。
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"     toml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"     toml:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"      toml:"multiplier"`
	Jitter         float64       `mapstructure:"jitter"          toml:"jitter"`
}

// envKeys 没有出现在配置文件中时也需要能从环境变量读取的键。
var envKeys = []string{
	"service.name", "service.environment",
	"log.level", "log.file",
	"kafka.host", "kafka.port", "kafka.client_id", "kafka.group_id_prefix", "kafka.prefix",
	"kafka.connect_timeout", "kafka.write_timeout", "kafka.read_timeout",
	"database.driver", "database.dsn",
	"redis.addr", "redis.password",
	"commandlog.backend",
}

var (
	hooksMu  sync.Mutex
	onReload []func(*Config)
)

// RegisterReloadHook 注册配置热更新回调。
func RegisterReloadHook(hook func(*Config)) {
	if hook == nil {
		return
	}
	hooksMu.Lock()
	onReload = append(onReload, hook)
	hooksMu.Unlock()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("kafka.read_timeout", 10*time.Second)
	v.SetDefault("kafka.max_wait", time.Second)
	v.SetDefault("kafka.min_bytes", 1)
	v.SetDefault("kafka.max_bytes", 10_000_000)
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.compression", "gzip")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.slow_threshold", 200*time.Millisecond)
	v.SetDefault("bigcache.life_window", 10*time.Minute)
	v.SetDefault("bigcache.clean_window", 5*time.Minute)
	v.SetDefault("bigcache.shards", 64)
	v.SetDefault("bigcache.hard_max_cache_size", 64)
	v.SetDefault("commandlog.backend", "gorm")
	v.SetDefault("commandlog.redis_prefix", "cmdbus")
	v.SetDefault("commandlog.redis_ttl", 7*24*time.Hour)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_backoff", 100*time.Millisecond)
	v.SetDefault("retry.max_backoff", 2*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.1)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}
	return v, nil
}

// Load 读取配置文件（path 为空时仅读取 APP_ 环境变量），规范化并校验。
// 任何必填项缺失都返回 xerrors.ErrConfig，调用方应在建立任何连接之前中止启动。
func Load(path string, conf *Config) error {
	v, err := newViper(path)
	if err != nil {
		return xerrors.Config("config source unavailable", err)
	}

	if err := decode(v, conf); err != nil {
		return err
	}

	if path != "" {
		watch(v)
	}
	return nil
}

func decode(v *viper.Viper, conf *Config) error {
	if err := v.Unmarshal(conf); err != nil {
		return xerrors.Config("unmarshal config error", err)
	}
	conf.Normalize()
	return Validate(conf)
}

func watch(v *viper.Viper) {
	v.OnConfigChange(func(event fsnotify.Event) {
		slog.Info("detecting config change", "file", event.Name)
		const debounceTimeout = 500 * time.Millisecond
		time.Sleep(debounceTimeout)

		next := &Config{}
		if err := decode(v, next); err != nil {
			slog.Error("reload config rejected", "error", err)
			return
		}
		logging.SetLevel(next.Log.Level)

		hooksMu.Lock()
		hooks := append([]func(*Config){}, onReload...)
		hooksMu.Unlock()
		for _, hook := range hooks {
			hook(next)
		}
		slog.Info("config hot-reloaded and validated successfully")
	})
	v.WatchConfig()
}

// Normalize 统一大小写：client id 与环境前缀总是小写。
func (c *Config) Normalize() {
	c.Kafka.ClientID = strings.ToLower(strings.TrimSpace(c.Kafka.ClientID))
	c.Kafka.Prefix = strings.ToLower(strings.TrimSpace(c.Kafka.Prefix))
	c.Kafka.Host = strings.TrimSpace(c.Kafka.Host)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate 校验结构体约束以及后端相关的交叉约束。
func Validate(c *Config) error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return xerrors.Config(fmt.Sprintf("%s config not found.", fieldPath(fe.Namespace())), err).
				WithContext("tag", fe.Tag())
		}
		return xerrors.Config("config validation failed", err)
	}

	switch c.CommandLog.Backend {
	case "gorm":
		if c.Database.DSN == "" {
			return xerrors.Config("database.dsn config not found.", nil)
		}
	case "redis":
		if c.Redis.Addr == "" {
			return xerrors.Config("redis.addr config not found.", nil)
		}
	}
	return nil
}

// fieldPath 将 "Config.kafka.client_id" 转换为配置键 "kafka.client_id"。
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.Join(parts, ".")
}

// PrintWithMask 脱敏打印当前配置。
func PrintWithMask(conf any) {
	data, err := json.Marshal(conf)
	if err != nil {
		slog.Error("failed to marshal config for printing", "error", err)
		return
	}

	var configMap map[string]any
	if err := json.Unmarshal(data, &configMap); err != nil {
		slog.Error("failed to unmarshal config for masking", "error", err)
		return
	}

	mask(configMap)

	maskedJSON, err := json.MarshalIndent(configMap, "  ", "  ")
	if err != nil {
		slog.Error("failed to marshal masked config", "error", err)
		return
	}

	slog.Info("current effective configuration", "config", string(maskedJSON))
}

func mask(configMap map[string]any) {
	sensitiveKeys := []string{"password", "secret", "dsn", "token"}

	for key, val := range configMap {
		if subMap, ok := val.(map[string]any); ok {
			mask(subMap)
			continue
		}
		for _, sensitiveKey := range sensitiveKeys {
			if strings.Contains(strings.ToLower(key), sensitiveKey) {
				configMap[key] = "******"
				break
			}
		}
	}
}
