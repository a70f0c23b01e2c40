package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Robertt/imdbx/internal/fetch"
	"github.com/John-Robertt/imdbx/internal/site"
)

const DefaultCatalogTimeout = 30 * time.Second

// Discoverer 从已打开的榜单页中按排名顺序取出详情链接。
type Discoverer struct {
	Fetcher fetch.Fetcher
	Profile site.Profile
	Timeout time.Duration
	Dumper  PageDumper
	Logger  *log.Logger
	Tracer  trace.Tracer
}

// Discover 等待榜单出现后逐行解析详情链接。
//
// - 等待超时：返回空列表与 ErrDiscoveryTimeout（不在这里重试）
// - 单行缺少链接：跳过并告警，其余行照常处理
// - 返回顺序即榜单显示顺序
func (d Discoverer) Discover(ctx context.Context) ([]string, error) {
	ctx, span := tracerOr(d.Tracer).Start(ctx, "discover")
	defer span.End()

	logger := loggerOr(d.Logger)
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultCatalogTimeout
	}

	if _, err := d.Fetcher.WaitForElement(ctx, d.Profile.CatalogItem, timeout); err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, ctx.Err()
		}
		if !errors.Is(err, fetch.ErrTimeout) {
			span.SetStatus(codes.Error, "wait failed")
			return nil, err
		}
		logger.Error("等待榜单列表超时", "url", d.Fetcher.CurrentURL(), "timeout", timeout)
		dumpPage(d.Dumper, d.Fetcher, "filmlist", logger)
		span.SetStatus(codes.Error, "discovery timeout")
		return nil, fmt.Errorf("%w（%s）", ErrDiscoveryTimeout, timeout)
	}

	base := d.Fetcher.CurrentURL()
	items := d.Fetcher.FindAllElements(d.Profile.CatalogItem)
	links := make([]string, 0, len(items))
	for i, it := range items {
		a, err := it.Find(d.Profile.CatalogLink)
		if err != nil {
			logger.Warn("榜单条目缺少详情链接，跳过", "rank", i+1)
			continue
		}
		href, ok := a.Attr("href")
		if !ok || href == "" {
			logger.Warn("详情链接没有 href，跳过", "rank", i+1, "text", a.Text())
			continue
		}
		links = append(links, resolveURL(base, href))
	}

	span.SetAttributes(attribute.Int("catalog.items", len(items)), attribute.Int("catalog.links", len(links)))
	logger.Info("发现详情链接", "count", len(links), "items", len(items))
	return links, nil
}
