package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetup_NoEndpoint(t *testing.T) {
	ctx := context.Background()

	tel, err := Setup(ctx, "imdbx-test", Config{})
	require.NoError(t, err)

	_, span := tel.Tracer("test").Start(ctx, "run")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, tel.Shutdown(ctx))
	require.NoError(t, Telemetry{}.Shutdown(ctx))
}

func TestSetup_WithEndpoint(t *testing.T) {
	// 只构造 exporter，不触发导出（没有 span 结束就关闭）。
	tel, err := Setup(context.Background(), "imdbx-test", Config{
		OTLPHTTPEndpoint: "http://127.0.0.1:4318/v1/traces",
		Headers:          map[string]string{"x-team": "data"},
	})
	require.NoError(t, err)
	require.NotNil(t, tel.TracerProvider)
	_ = tel.Shutdown(context.Background())
}
