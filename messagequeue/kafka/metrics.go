package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wyfcoding/cmdbus/metrics"
)

type brokerMetrics struct {
	produced *prometheus.CounterVec
	consumed *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lag      *prometheus.HistogramVec
	state    *prometheus.GaugeVec
}

func newBrokerMetrics(m *metrics.Metrics) *brokerMetrics {
	return &brokerMetrics{
		produced: m.NewCounterVec(prometheus.CounterOpts{
			Name: "mq_produced_total",
			Help: "消息生产总数",
		}, []string{"topic", "status"}),
		consumed: m.NewCounterVec(prometheus.CounterOpts{
			Name: "mq_consumed_total",
			Help: "消息消费总数",
		}, []string{"topic", "status"}),
		duration: m.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mq_operation_duration_seconds",
			Help:    "MQ操作耗时",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic", "operation"}),
		lag: m.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mq_consume_lag_seconds",
			Help:    "消息消费延迟",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"topic"}),
		state: m.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mq_connection_state",
			Help: "连接状态 (0: disconnected, 1: connecting, 2: connected)",
		}, []string{"side"}),
	}
}
