package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Robertt/imdbx/internal/domain"
	"github.com/John-Robertt/imdbx/internal/fetch"
	"github.com/John-Robertt/imdbx/internal/parse"
	"github.com/John-Robertt/imdbx/internal/site"
)

const DefaultDetailTimeout = 30 * time.Second

// Extractor 打开一个详情页并抽取记录字段。
type Extractor struct {
	Fetcher fetch.Fetcher
	Profile site.Profile
	Timeout time.Duration
	Dumper  PageDumper
	Logger  *log.Logger
	Tracer  trace.Tracer
}

// Extract 返回 nil 记录的唯一情形是标题标记没有出现（或 ctx 被取消）：
// 这时无法确认导航到了正确的页面。标记出现之后，每个字段独立抽取，
// 单个字段失败只会让该字段为 nil 并记录告警。
func (x Extractor) Extract(ctx context.Context, url string) (*domain.MovieRecord, error) {
	ctx, span := tracerOr(x.Tracer).Start(ctx, "extract", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	logger := loggerOr(x.Logger)
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = DefaultDetailTimeout
	}

	if err := x.Fetcher.Navigate(ctx, url); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// 不直接放弃：等待阶段会重新加载，临时性的限流/错误页可能自行恢复。
		logger.Warn("打开详情页失败", "url", url, "err", fetch.Humanize(err))
	}

	if _, err := x.Fetcher.WaitForElement(ctx, x.Profile.Title, timeout); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detail gate")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Error("等待详情页标题超时", "url", url, "timeout", timeout, "err", err)
		dumpPage(x.Dumper, x.Fetcher, "moviedetail", logger)
		return nil, fmt.Errorf("%w：%s", ErrDetailGateTimeout, url)
	}

	f := fields{logger: logger, url: url}
	rec := &domain.MovieRecord{}

	rec.Title = f.get("title", func() (string, error) { return x.text(x.Profile.Title) })

	meta, metaErr := x.metadata()
	rec.Year = f.get("year", func() (string, error) {
		if metaErr != nil {
			return "", metaErr
		}
		return meta[0].Text(), nil
	})
	rec.Duration = f.get("duration", func() (string, error) {
		if metaErr != nil {
			return "", metaErr
		}
		return parse.NormalizeDuration(meta[len(meta)-1].Text())
	})

	rec.Rating = f.get("rating", func() (string, error) {
		raw, err := x.text(x.Profile.Rating)
		if err != nil {
			return "", err
		}
		return parse.Rating(raw), nil
	})
	rec.Synopsis = f.get("synopsis", func() (string, error) { return x.text(x.Profile.Synopsis) })

	span.SetAttributes(attribute.Int("fields.missing", f.missing))
	logger.Debug("详情抽取完成", "title", rec.TitleOr(""), "missing", f.missing, "url", url)
	return rec, nil
}

func (x Extractor) text(selector string) (string, error) {
	el, err := x.Fetcher.FindElement(selector)
	if err != nil {
		return "", err
	}
	return el.Text(), nil
}

func (x Extractor) metadata() ([]fetch.Element, error) {
	list, err := x.Fetcher.FindElement(x.Profile.Metadata)
	if err != nil {
		return nil, err
	}
	items := list.FindAll(x.Profile.MetadataItem)
	if len(items) == 0 {
		return nil, fmt.Errorf("%w：%s %s", fetch.ErrNotFound, x.Profile.Metadata, x.Profile.MetadataItem)
	}
	return items, nil
}

// fields 收集单字段抽取结果：失败记为 nil 并告警。
type fields struct {
	logger  *log.Logger
	url     string
	missing int
}

func (f *fields) get(name string, fn func() (string, error)) *string {
	v, err := fn()
	if err != nil {
		f.missing++
		f.logger.Warn("字段缺失", "field", name, "url", f.url, "err", err)
		return nil
	}
	return &v
}
