// Package fetch 定义页面抓取能力（Fetcher）以及基于 HTTP 会话的实现。
//
// 核心流程只依赖 Fetcher/Element 接口：导航、按选择器等待/查找元素、读取文本与属性、关闭。
package fetch

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound 表示选择器在当前页面没有匹配到任何元素。
	ErrNotFound = errors.New("元素不存在")
	// ErrTimeout 表示在限定时间内没有等到元素出现。
	ErrTimeout = errors.New("等待元素超时")
	// ErrClosed 表示 Fetcher 已关闭。
	ErrClosed = errors.New("fetcher 已关闭")
)

// Element 是页面上一个已定位的元素。
type Element interface {
	// Text 返回元素可见文本（空白已规整）。
	Text() string
	// Attr 返回属性值；不存在时 ok=false。
	Attr(name string) (value string, ok bool)
	// Find 在元素内部查找第一个匹配项；没有匹配时返回 ErrNotFound。
	Find(selector string) (Element, error)
	// FindAll 在元素内部查找全部匹配项。
	FindAll(selector string) []Element
}

// Fetcher 是一个独占的远端会话：同一时刻只服务一个调用方，不可并发共享。
type Fetcher interface {
	Navigate(ctx context.Context, url string) error
	// WaitForElement 在 timeout 内等待选择器出现；超时返回 ErrTimeout（可用 errors.Is 判断）。
	WaitForElement(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	FindElement(selector string) (Element, error)
	FindAllElements(selector string) []Element
	// CurrentURL 返回当前页面地址（跟随重定向之后）。
	CurrentURL() string
	// PageSource 返回当前页面的原始内容（用于调试落盘）。
	PageSource() []byte
	Close() error
}
