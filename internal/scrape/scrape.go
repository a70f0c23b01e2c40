// Package scrape 在 Fetcher 之上实现榜单链接发现与详情页字段抽取。
package scrape

import (
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Robertt/imdbx/internal/fetch"
)

var (
	// ErrDiscoveryTimeout 表示榜单列表在限定时间内没有出现。
	ErrDiscoveryTimeout = errors.New("榜单列表加载超时")
	// ErrDetailGateTimeout 表示详情页始终没有出现标题标记，整条记录被放弃。
	ErrDetailGateTimeout = errors.New("详情页标题等待超时")
)

// PageDumper 保存出问题时的页面源码（见 infra/pagedump）。
type PageDumper interface {
	Save(label string, page []byte) (string, error)
}

const tracerName = "github.com/John-Robertt/imdbx/internal/scrape"

func tracerOr(t trace.Tracer) trace.Tracer {
	if t == nil {
		return otel.Tracer(tracerName)
	}
	return t
}

func loggerOr(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New(io.Discard)
	}
	return l
}

func dumpPage(d PageDumper, f fetch.Fetcher, label string, logger *log.Logger) {
	if d == nil {
		return
	}
	p, err := d.Save(label, f.PageSource())
	if err != nil {
		logger.Warn("保存调试页面失败", "label", label, "err", err)
		return
	}
	logger.Info("调试页面已保存", "path", p)
}

// resolveURL 把相对 href 解析为绝对 URL（以当前页面为基准）。
func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	ru, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(ru).String()
}
