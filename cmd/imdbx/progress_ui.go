package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/imdbx/internal/app/run"
	"github.com/John-Robertt/imdbx/internal/config"
	"github.com/John-Robertt/imdbx/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是一个“简洁版”的交互终端进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：单个详情页等待较久时也会定期输出一行，降低等待焦虑
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	total  int
	done   int
	ok     int
	fail   int
	active string

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 10 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	fmt.Fprintf(p.w, "[%s] imdbx run\n", now.Format("15:04:05"))
	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.ConfigPath != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigPath)
	}
	fmt.Fprintf(p.w, "  chart_url: %s\n", truncate(eff.ChartURL, 120))
	fmt.Fprintf(p.w, "  profile: %s\n", eff.Profile)
	fmt.Fprintf(p.w, "  limit: %s\n", formatLimit(eff.Limit))
	fmt.Fprintf(p.w, "  pacing: %s ~ %s\n", formatShortDuration(eff.PacingMin), formatShortDuration(eff.PacingMax))
	fmt.Fprintf(p.w, "  timeouts: catalog=%s detail=%s\n", formatShortDuration(eff.CatalogTimeout), formatShortDuration(eff.DetailTimeout))
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(eff.ProxyURL))
	fmt.Fprintf(p.w, "  debug_dump: %s\n", onOff(eff.DebugDump))
	fmt.Fprintln(p.w, "输出:")
	fmt.Fprintf(p.w, "  base_dir: %s\n", eff.BaseDir)
	fmt.Fprintf(p.w, "  output: %s\n", eff.Output)
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "discover":
		p.total = intField(fields, "scheduled")
		fmt.Fprintf(p.w, "发现: found=%d scheduled=%d (%s)\n\n",
			intField(fields, "found"), p.total, formatShortDuration(dur),
		)
		if p.total > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	case "extract":
		p.stopTickerLocked()
		fmt.Fprintf(p.w, "\n抽取: succeeded=%d failed=%d (%s)\n",
			intField(fields, "succeeded"), intField(fields, "failed"), formatShortDuration(dur),
		)
	case "consolidate":
		out, _ := fields["output"].(string)
		if out == "" {
			out = "-"
		}
		fmt.Fprintf(p.w, "合并: rows=%d skipped=%d output=%s (%s)\n",
			intField(fields, "rows"), intField(fields, "skipped"), out, formatShortDuration(dur),
		)
	default:
		// 兜底：未知阶段也不要静默（便于调试/演进）。
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnItemStart(idx, total int, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
	p.active = url
}

func (p *progressUI) OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// idx/total 由 run 层给出；这里同时维护自己的计数，供 keepalive 使用。
	p.done = idx
	p.total = total
	p.active = ""

	switch res.Status {
	case domain.StatusOK:
		p.ok++
		note := ""
		if res.ErrorCode != "" {
			note = " (" + res.ErrorCode + ")"
		}
		fmt.Fprintf(p.w, "[%d/%d] OK %s%s (%s)\n",
			idx, total, truncate(res.Title, 80), note, formatShortDuration(dur),
		)
	default:
		p.fail++
		fmt.Fprintf(p.w, "[%d/%d] FAIL %s: %s %s (%s)\n",
			idx, total, res.ErrorCode, truncate(res.ErrorMsg, 120), truncate(res.URL, 80), formatShortDuration(dur),
		)
	}

	p.lastPrinted = time.Now()

	// 最后一条完成：停止 ticker，避免在结束打印后又冒出 keepalive。
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

func (p *progressUI) OnProgress(done, total, ok, fail int, active string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printProgressLocked(done, total, ok, fail, active, elapsed)
}

func (p *progressUI) printProgressLocked(done, total, ok, fail int, active string, elapsed time.Duration) {
	line := fmt.Sprintf("进度: done=%d/%d ok=%d fail=%d elapsed=%s", done, total, ok, fail, formatElapsed(elapsed))
	if active != "" {
		line += " 当前=" + truncate(active, 80)
	}
	fmt.Fprintln(p.w, line)
	p.lastPrinted = time.Now()
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 10 * time.Second
	}
	stop := p.stopCh

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && p.done >= p.total {
					p.mu.Unlock()
					return
				}
				if time.Since(p.lastPrinted) > threshold {
					p.printProgressLocked(p.done, p.total, p.ok, p.fail, p.active, time.Since(p.startedAt))
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (p *progressUI) stopTickerLocked() {
	if !p.tickerStarted {
		return
	}
	close(p.stopCh)
	p.tickerStarted = false
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatLimit(n int) string {
	if n <= 0 {
		return "全部"
	}
	return fmt.Sprintf("%d", n)
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	default:
		return 0
	}
}
