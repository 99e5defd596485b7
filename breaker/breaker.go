// Package breaker 提供了基于 gobreaker 的熔断器封装，集成 Prometheus 指标与日志。
package breaker

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"github.com/wyfcoding/cmdbus/config"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/metrics"
	"github.com/wyfcoding/cmdbus/xerrors"
)

// ErrServiceUnavailable 表示服务当前处于熔断状态。
var ErrServiceUnavailable = errors.New("service unavailable: circuit breaker is open")

// Breaker 封装了 gobreaker 实例。未启用时直接执行函数。
// 熔断期间返回 ErrConnection 类型的错误，其原因链包含 ErrServiceUnavailable。
type Breaker struct {
	name           string
	circuitBreaker *gobreaker.CircuitBreaker
}

// Settings 定义了熔断器的初始化参数。
type Settings struct {
	Name         string
	Config       config.CircuitBreakerConfig
	FailureRatio float64
	MinRequests  uint32
	// IsSuccessful 判断一次执行的错误是否计入失败，为空时所有非 nil 错误都计入。
	// 业务错误(例如命令处理器返回的错误)不应触发熔断。
	IsSuccessful func(err error) bool
	Logger       *logging.Logger
}

var (
	gaugeMu    sync.Mutex
	stateGauge *prometheus.GaugeVec
)

// NewBreaker 初始化并返回一个新的熔断器封装对象。
func NewBreaker(st Settings, m *metrics.Metrics) *Breaker {
	if !st.Config.Enabled {
		return &Breaker{}
	}

	failureRatio := st.FailureRatio
	if failureRatio <= 0 {
		failureRatio = 0.5
	}

	minRequests := st.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}

	logger := st.Logger
	if logger == nil {
		logger = logging.Default()
	}

	gaugeMu.Lock()
	if m != nil && stateGauge == nil {
		stateGauge = m.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0: Closed, 1: Half-Open, 2: Open)",
		}, []string{"name"})
	}
	gauge := stateGauge
	gaugeMu.Unlock()

	gs := gobreaker.Settings{
		Name:         st.Name,
		MaxRequests:  st.Config.MaxRequests,
		Interval:     st.Config.Interval,
		Timeout:      st.Config.Timeout,
		IsSuccessful: st.IsSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.Requests >= minRequests && ratio >= failureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			if gauge != nil {
				gauge.WithLabelValues(name).Set(float64(to))
			}
		},
	}

	return &Breaker{name: st.Name, circuitBreaker: gobreaker.NewCircuitBreaker(gs)}
}

// Execute 执行受熔断保护的函数。
func (b *Breaker) Execute(fn func() error) error {
	_, err := ExecuteTyped(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteTyped 是 Execute 的泛型版本。
func ExecuteTyped[T any](b *Breaker, fn func() (T, error)) (T, error) {
	if b == nil || b.circuitBreaker == nil {
		return fn()
	}

	var res T
	_, err := b.circuitBreaker.Execute(func() (any, error) {
		var errFn error
		res, errFn = fn()
		return nil, errFn
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			var zero T
			return zero, xerrors.Wrap(ErrServiceUnavailable, xerrors.ErrConnection, "circuit breaker rejected call").
				WithContext("breaker", b.name).
				WithContext("state", b.circuitBreaker.State().String())
		}
		return res, err
	}

	return res, nil
}

// State 返回当前状态，未启用时视为 closed。
func (b *Breaker) State() gobreaker.State {
	if b == nil || b.circuitBreaker == nil {
		return gobreaker.StateClosed
	}
	return b.circuitBreaker.State()
}
