package fetch

import (
	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrument 为每个请求开一个 span，并把请求结果写入日志（debug 级别；失败为 warn）。
func instrument(c *resty.Client, tracer trace.Tracer, logger *log.Logger) {
	c.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		ctx, _ := tracer.Start(req.Context(), "http "+req.Method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("http.url", req.URL)),
		)
		req.SetContext(ctx)
		logger.Debug("发起请求", "method", req.Method, "url", req.URL)
		return nil
	})

	c.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		span := trace.SpanFromContext(res.Request.Context())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", res.Request.Method),
			attribute.Int("http.status_code", res.StatusCode()),
		)
		if res.IsError() {
			span.SetStatus(codes.Error, res.Status())
		}
		logger.Debug("请求完成", "status", res.StatusCode(), "url", res.Request.URL, "elapsed", res.Time())
		return nil
	})

	c.OnError(func(req *resty.Request, err error) {
		span := trace.SpanFromContext(req.Context())
		defer span.End()

		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		logger.Warn("请求失败", "method", req.Method, "url", req.URL, "err", err)
	})
}
