// Package server 提供了运行 Gin 引擎的 HTTP 服务器封装。
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/cmdbus/logging"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
)

const shutdownTimeout = 5 * time.Second

// NewDefaultGinEngine 创建带恢复、链路追踪与访问日志中间件的 Gin 引擎。
// 路由存在但方法不匹配时返回 405。
func NewDefaultGinEngine(serviceName string, logger *logging.Logger, middlewares ...gin.HandlerFunc) *gin.Engine {
	engine := gin.New()
	engine.HandleMethodNotAllowed = true

	engine.Use(gin.Recovery(), otelgin.Middleware(serviceName), RequestLogger(logger))
	engine.Use(middlewares...)
	return engine
}

// RequestLogger 访问日志中间件
func RequestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		traceID := ""
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}

		logger.DebugContext(c.Request.Context(), "http request",
			"trace_id", traceID,
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"ip", c.ClientIP(),
			"cost", time.Since(start),
		)
	}
}

// GinServer 用 http.Server 运行 Gin 引擎，并在 ctx 取消时优雅关闭。
type GinServer struct {
	server *http.Server
	addr   string
	logger *logging.Logger
}

// NewGinServer 创建一个新的 Gin 服务器实例。
func NewGinServer(engine *gin.Engine, addr string, logger *logging.Logger) *GinServer {
	return &GinServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr:   addr,
		logger: logger,
	}
}

// Run 阻塞运行直到 ctx 取消，随后优雅关闭。可直接作为 app.Runner 使用。
func (s *GinServer) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting http server", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("http server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("failed to shutdown http server", "error", err)
		return err
	}
	return nil
}
