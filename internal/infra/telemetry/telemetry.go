package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	// OTLPHTTPEndpoint 为空时只在进程内记录 span，不导出。
	OTLPHTTPEndpoint string            `json:"otlp_http_endpoint"`
	Headers          map[string]string `json:"headers"`
}

type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
}

// Setup 构造 tracer provider。不设置全局 provider：调用方显式传递 Tracer。
func Setup(ctx context.Context, serviceName string, cfg Config) (Telemetry, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return Telemetry{}, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(r)}

	if endpoint := strings.TrimSpace(cfg.OTLPHTTPEndpoint); endpoint != "" {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		exporter, err := otlptracehttp.New(
			ctx,
			otlptracehttp.WithEndpointURL(endpoint),
			otlptracehttp.WithHeaders(cfg.Headers),
		)
		if err != nil {
			return Telemetry{}, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	return Telemetry{TracerProvider: sdktrace.NewTracerProvider(opts...)}, nil
}

func (t Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

func (t Telemetry) Shutdown(ctx context.Context) error {
	if t.TracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.TracerProvider.Shutdown(ctx)
}
