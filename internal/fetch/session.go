package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPollInterval   = 1500 * time.Millisecond
	DefaultAcceptLanguage = "pt-BR,pt;q=0.9,en;q=0.8"
	// DefaultMaxReloads 是单次 WaitForElement 内最多重新请求页面的次数。
	DefaultMaxReloads = 3
)

var _ Fetcher = (*Session)(nil)

// Options 配置一个 HTTP 会话。
type Options struct {
	// HTTPClient 承载网络策略（代理/UA/重试，见 infra/httpx）；为 nil 时使用 resty 默认 client。
	HTTPClient *http.Client
	// AcceptLanguage 决定站点返回的语言版本（影响时长/评分的文本格式）。
	AcceptLanguage string
	// PollInterval 是 WaitForElement 两次重新加载之间的间隔。
	PollInterval time.Duration
	// MaxReloads 为 0 时使用 DefaultMaxReloads；负数表示等待期间从不重新请求。
	MaxReloads int

	Logger *log.Logger
	Tracer trace.Tracer
}

// Session 用 HTTP 请求 + 静态 DOM 实现 Fetcher。
//
// 与浏览器不同，页面不会“自己变化”：WaitForElement 在截止时间内有限次地重新加载当前 URL
// 来等待元素出现，以覆盖临时性的错误页。遇到限流/拦截（403、429、WAF）时间隔按倍数增长。
type Session struct {
	client       *resty.Client
	logger       *log.Logger
	pollInterval time.Duration
	maxReloads   int

	mu     sync.Mutex
	url    string
	source []byte
	doc    *goquery.Document
	// lastErr 是最近一次加载的结果，用于决定下一次重新加载前的退避。
	lastErr error
	closed  bool
}

// NewSession 创建会话（带 cookie jar，请求经由 tracer/logger 记录）。
func NewSession(opts Options) (*Session, error) {
	var c *resty.Client
	if opts.HTTPClient != nil {
		c = resty.NewWithClient(opts.HTTPClient)
	} else {
		c = resty.New()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c.SetCookieJar(jar)
	c.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))

	lang := strings.TrimSpace(opts.AcceptLanguage)
	if lang == "" {
		lang = DefaultAcceptLanguage
	}
	c.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	c.SetHeader("Accept-Language", lang)

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/John-Robertt/imdbx/internal/fetch")
	}
	instrument(c, tracer, logger)

	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	maxReloads := opts.MaxReloads
	switch {
	case maxReloads == 0:
		maxReloads = DefaultMaxReloads
	case maxReloads < 0:
		maxReloads = 0
	}

	return &Session{
		client:       c,
		logger:       logger,
		pollInterval: poll,
		maxReloads:   maxReloads,
	}, nil
}

// Navigate 加载 url 并替换当前页面。
//
// 即使返回错误（非 2xx、被拦截），只要拿到了响应体，当前页面仍会被替换为该响应，
// 以便调用方把它落盘排查。
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.loadLocked(ctx, url)
}

// WaitForElement 等待 selector 出现。
//
// 重新加载次数受 maxReloads 限制；次数用尽后不再访问站点，直接按超时返回。
// 上一次加载被限流或拦截时，下一次重新加载前的等待翻倍。
func (s *Session) WaitForElement(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	deadline := time.Now().Add(timeout)
	backoff := s.pollInterval
	reloads := 0
	for {
		el, err := s.FindElement(selector)
		if err == nil {
			return el, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w：%s（%s）", ErrTimeout, selector, timeout)
		}
		if reloads >= s.maxReloads {
			return nil, fmt.Errorf("%w：%s（%s，已重新加载 %d 次）", ErrTimeout, selector, timeout, reloads)
		}

		wait := s.pollInterval
		if Throttled(s.loadErr()) {
			backoff *= 2
			wait = backoff
		}
		if wait > remaining {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}

		if time.Until(deadline) <= 0 {
			continue
		}
		reloads++
		if err := s.reload(ctx, deadline); err != nil {
			s.logger.Debug("等待期间重新加载失败", "selector", selector, "err", err)
		}
	}
}

func (s *Session) FindElement(selector string) (Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.doc == nil {
		return nil, fmt.Errorf("%w：%s（尚未加载页面）", ErrNotFound, selector)
	}
	return first(s.doc.Find(selector), selector)
}

func (s *Session) FindAllElements(selector string) []Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.doc == nil {
		return nil
	}
	return all(s.doc.Find(selector))
}

func (s *Session) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Session) PageSource() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.source...)
}

// Close 释放会话（空闲连接与当前页面）。重复调用是安全的。
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.doc = nil
	s.source = nil
	s.client.GetClient().CloseIdleConnections()
	return nil
}

func (s *Session) reload(ctx context.Context, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.url == "" {
		return nil
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return s.loadLocked(ctx, s.url)
}

func (s *Session) loadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) loadLocked(ctx context.Context, url string) error {
	err := s.fetchLocked(ctx, url)
	s.lastErr = err
	return err
}

func (s *Session) fetchLocked(ctx context.Context, url string) error {
	resp, err := s.client.R().SetContext(ctx).Get(url)
	s.url = url
	if err != nil {
		s.setPageLocked(nil)
		return err
	}

	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		s.url = raw.Request.URL.String()
	}
	s.setPageLocked(resp.Body())

	if action := strings.TrimSpace(resp.Header().Get("x-amzn-waf-action")); action != "" {
		return &BlockedError{URL: url, Reason: "waf-" + strings.ToLower(action)}
	}
	if !resp.IsSuccess() {
		return &HTTPStatusError{URL: url, StatusCode: resp.StatusCode(), Location: resp.Header().Get("Location")}
	}
	return nil
}

func (s *Session) setPageLocked(body []byte) {
	s.source = body
	s.doc = nil
	if len(body) == 0 {
		return
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("解析页面失败", "url", s.url, "err", err)
		return
	}
	s.doc = doc
}
