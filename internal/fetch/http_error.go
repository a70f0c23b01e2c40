package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// HTTPStatusError 表示站点返回了非 2xx 的 HTTP 状态码。
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Location   string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	loc := strings.TrimSpace(e.Location)
	if loc == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d location=%s", e.StatusCode, loc)
}

// BlockedError 表示请求被站点引导到了验证/拦截页面。
// 不尝试绕过：上层把它当作一次失败的导航，由等待逻辑决定是否继续。
type BlockedError struct {
	URL    string
	Reason string
}

func (e *BlockedError) Error() string {
	if e == nil || strings.TrimSpace(e.Reason) == "" {
		return "blocked"
	}
	return "blocked: " + strings.TrimSpace(e.Reason)
}

// Throttled 判断一次加载是否被站点限流或拦截（403、429、WAF）。
func Throttled(err error) bool {
	if err == nil {
		return false
	}
	var be *BlockedError
	if errors.As(err, &be) {
		return true
	}
	var hs *HTTPStatusError
	if errors.As(err, &hs) {
		return hs.StatusCode == http.StatusForbidden || hs.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Humanize 把导航错误转换为可操作的中文提示。
func Humanize(err error) string {
	if err == nil {
		return ""
	}
	var be *BlockedError
	if errors.As(err, &be) {
		return fmt.Sprintf("被站点拦截（%s）。不支持绕过；建议配置 proxy.url 或稍后重试。", be.Reason)
	}
	var hs *HTTPStatusError
	if errors.As(err, &hs) {
		switch hs.StatusCode {
		case 403, 429:
			return fmt.Sprintf("HTTP %d（可能触发反爬/限流）。建议调大 pacing 或配置 proxy.url。", hs.StatusCode)
		case 404:
			return "HTTP 404（页面不存在）。"
		default:
			return hs.Error()
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "请求超时。建议检查网络/代理后重试。"
	}
	return err.Error()
}
