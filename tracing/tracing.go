// Package tracing 为命令的发布、消费与应用创建 OpenTelemetry Span，并通过命令头传播追踪上下文。
package tracing

import (
	"context"
	"log/slog"
	"time"

	"github.com/wyfcoding/cmdbus/config"
	"github.com/wyfcoding/cmdbus/xerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "github.com/wyfcoding/cmdbus"
	exporterTimeout = 5 * time.Second
)

// 命令应用相关的属性。
var (
	CommandTopicKey     = attribute.Key("cmdbus.topic")
	CommandBatchSizeKey = attribute.Key("cmdbus.batch_size")
	CommandReplicaKey   = attribute.Key("cmdbus.replica")
)

// InitTracer 设置全局传播器，启用时再安装 OTLP TracerProvider。
// 未启用时返回空的 shutdown，Span 仍可创建但不会导出。
func InitTracer(cfg config.TracingConfig, environment, version string) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exporterTimeout),
	)
	if err != nil {
		return nil, xerrors.Config("failed to create otlp exporter", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(version),
			semconv.DeploymentEnvironmentKey.String(environment),
		),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, xerrors.Config("failed to create tracing resource", err)
	}

	ratio := cfg.SamplerRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	slog.Info("tracer provider initialized", "service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint, "ratio", ratio)
	return tp.Shutdown, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartPublish 开始一次命令发布的 Producer Span，调用方负责 End。
//
//nolint:spancheck // 由调用方管理生命周期。
func StartPublish(ctx context.Context, channel, key string) (context.Context, trace.Span) {
	return tracer().Start(ctx, channel+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationNameKey.String(channel),
			semconv.MessagingMessageIDKey.String(key),
		))
}

// StartConsume 从命令头还原上游上下文，开始一次 Consumer Span。
//
//nolint:spancheck // 由调用方管理生命周期。
func StartConsume(ctx context.Context, headers map[string]string, channel string, partition int, offset int64, key []byte) (context.Context, trace.Span) {
	ctx = ExtractHeaders(ctx, headers)
	return tracer().Start(ctx, channel+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingSourceNameKey.String(channel),
			semconv.MessagingKafkaSourcePartitionKey.Int(partition),
			semconv.MessagingKafkaMessageOffsetKey.Int64(offset),
			semconv.MessagingKafkaMessageKeyKey.String(string(key)),
		))
}

// StartApply 开始一次幂等应用事务的 Span。
//
//nolint:spancheck // 由调用方管理生命周期。
func StartApply(ctx context.Context, topic string, batchSize int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "command.apply",
		trace.WithAttributes(
			CommandTopicKey.String(topic),
			CommandBatchSizeKey.Int(batchSize),
		))
}

// Annotate 为当前 Span 追加属性。
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// SetError 记录错误并将 Span 标记为失败。
func SetError(ctx context.Context, err error) {
	if err == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// InjectHeaders 把追踪上下文写入命令头。headers 为 nil 时新建。
func InjectHeaders(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractHeaders 从命令头还原追踪上下文。
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
