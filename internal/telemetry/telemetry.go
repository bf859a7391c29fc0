// Package telemetry はOpenTelemetryによる分散トレーシングを設定する。
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName はサービス名が未指定の場合に使用する名前。
const DefaultServiceName = "cataclysm"

// Config はトレーシングの設定。
type Config struct {
	ServiceName string
	// Endpoint はOTLP/HTTPエクスポーターの送信先（host:port）。空の場合はエクスポートしない。
	Endpoint string
	Insecure bool
	// SampleRatio は親スパンがない場合のサンプリング率（0〜1）。
	SampleRatio float64
}

// ShutdownFunc はTracerProviderを停止し、未送信のスパンをフラッシュする。
type ShutdownFunc func(ctx context.Context) error

// Init はグローバルなTracerProviderとプロパゲーターを設定する。
// エクスポーターの初期化に失敗した場合は警告を出し、エクスポートなしで続行する。
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRatio)),
	}

	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			slog.Warn("trace exporter disabled",
				slog.String("endpoint", endpoint),
				slog.String("error", err.Error()),
			)
		} else {
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		return nil
	}, nil
}

// newSampler は親スパンの判定を尊重するレートベースのサンプラーを返す。
// 範囲外の値は0〜1に丸める。
func newSampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware は受信リクエストごとにサーバースパンを作成するミドルウェアを返す。
func HTTPMiddleware(operation string) func(http.Handler) http.Handler {
	if strings.TrimSpace(operation) == "" {
		operation = DefaultServiceName
	}
	return otelhttp.NewMiddleware(operation)
}

// WrapTransport は送信リクエストにクライアントスパンとトレースヘッダーを付与する。
func WrapTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}
