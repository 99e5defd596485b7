package main

import (
	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/cmdbus/health"
	"github.com/wyfcoding/cmdbus/logging"
	"github.com/wyfcoding/cmdbus/metrics"
)

const defaultMetricsPath = "/metrics"

// registerRoutes 在同一个引擎上挂载指标、健康检查与演示命令入口。
func registerRoutes(engine *gin.Engine, metricsPath string, m *metrics.Metrics, checks *health.Registry, send sendFunc, logger *logging.Logger) {
	if metricsPath == "" {
		metricsPath = defaultMetricsPath
	}
	engine.GET(metricsPath, gin.WrapH(m.Handler()))
	engine.GET("/healthz", checks.Handler())
	engine.POST("/commands", sendHandler(send, logger))
}
