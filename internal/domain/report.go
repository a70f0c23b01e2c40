package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

const (
	ErrCodeDiscoveryTimeout  = "discovery_timeout"
	ErrCodeNoLinks           = "no_links"
	ErrCodeNavigateFailed    = "navigate_failed"
	ErrCodeDetailGateTimeout = "detail_gate_timeout"
	ErrCodePersistenceFailed = "persistence_failed"
	ErrCodeCancelled         = "cancelled"
	ErrCodeUnhandled         = "unhandled"
	ErrCodeConfigNotFound    = "config_not_found"
	ErrCodeConfigInvalid     = "config_invalid"
)

// RunReport 是一次运行的结构化摘要（report.json / 非 TTY 时的 stdout JSON）。
type RunReport struct {
	RunID    string `json:"run_id"`
	RunDir   string `json:"run_dir"`
	ChartURL string `json:"chart_url"`
	Profile  string `json:"profile"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// LinksFound 是实际排入处理的详情链接数量（limit 截断之后）。
	LinksFound int `json:"links_found"`

	// ErrorCode/ErrorMsg 记录运行级失败（发现超时、未处理异常等）；条目级失败见 Items。
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Export  string        `json:"export"`
	Summary ReportSummary `json:"summary"`
	Items   []ItemResult  `json:"items"`
}

type ReportSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Unsaved 是抽取成功但 checkpoint 未写入的条目数（已计入 Succeeded）。
	Unsaved int `json:"unsaved"`
	Rows    int `json:"rows"`
}

type ItemResult struct {
	Seq   int    `json:"seq"`
	URL   string `json:"url"`
	Title string `json:"title"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Checkpoint string `json:"checkpoint"`
}

// Elapsed 返回运行耗时。
func (r RunReport) Elapsed() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) items 按 seq 稳定排序（seq==0 的合成条目排在最后）
// 3) summary 的成功/失败计数由 items 计算得出（Rows 由合并阶段填写，保持不变）
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Items, func(i, j int) bool {
		a, b := r.Items[i].Seq, r.Items[j].Seq
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a < b
	})

	s := ReportSummary{Rows: r.Summary.Rows}
	for _, it := range r.Items {
		switch it.Status {
		case StatusOK:
			s.Succeeded++
			if it.Checkpoint == "" {
				s.Unsaved++
			}
		case StatusFailed:
			s.Failed++
		}
	}
	r.Summary = s
}

// MarshalJSON 保证 items 永远输出为数组而不是 null。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	if r.Items == nil {
		r.Items = []ItemResult{}
	}
	return json.Marshal(Alias(r))
}
