package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Robertt/imdbx/internal/domain"
	"github.com/John-Robertt/imdbx/internal/fetch"
	"github.com/John-Robertt/imdbx/internal/scrape"
)

var (
	// ErrUnhandled 表示处理过程中出现了 panic（已被恢复）。
	ErrUnhandled = errors.New("未处理的异常")
	// ErrNoLinks 表示榜单页加载成功但没有解析出任何详情链接。
	ErrNoLinks = errors.New("未发现任何详情链接")
)

// Discoverer 返回按榜单顺序排列的详情链接。
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// Extractor 抽取单个详情页；返回 nil 记录表示该条目失败。
type Extractor interface {
	Extract(ctx context.Context, url string) (*domain.MovieRecord, error)
}

// CheckpointWriter 持久化单条记录。
type CheckpointWriter interface {
	Write(ctx context.Context, rec domain.MovieRecord, seq int) bool
	Path(seq int) string
}

// Pacing 是相邻两次详情页访问之间的随机间隔区间 [Min, Max]。
type Pacing struct {
	Min time.Duration
	Max time.Duration
}

func (p Pacing) next(int64N func(int64) int64) time.Duration {
	if p.Max <= p.Min {
		return p.Min
	}
	return p.Min + time.Duration(int64N(int64(p.Max-p.Min)+1))
}

// Orchestrator 串行驱动“打开榜单 → 发现链接 → 逐条抽取 → 落盘”。
type Orchestrator struct {
	Fetcher    fetch.Fetcher
	Discoverer Discoverer
	Extractor  Extractor
	Writer     CheckpointWriter

	Pacing Pacing
	// Limit > 0 时只处理前 Limit 个链接。
	Limit int

	Logger   *log.Logger
	Tracer   trace.Tracer
	Observer Observer

	// 测试替身；nil 时使用真实实现。
	sleep  func(ctx context.Context, d time.Duration) error
	int64N func(n int64) int64
}

// Result 是一次 Run 的统计与逐条结果。
type Result struct {
	// Records 是抽取成功的记录（与 Items 中 status=ok 的条目一一对应）。
	Records []domain.MovieRecord
	// LinksFound 是实际排入处理的链接数（limit 截断之后）。
	LinksFound int
	// Discovered 是发现阶段返回的链接总数。
	Discovered int
	Succeeded  int
	Failed     int
	Items      []domain.ItemResult
}

func (r *Result) fail(seq int, url, code, msg string) domain.ItemResult {
	it := domain.ItemResult{Seq: seq, URL: url, Status: domain.StatusFailed, ErrorCode: code, ErrorMsg: msg}
	r.Failed++
	r.Items = append(r.Items, it)
	return it
}

// Run 执行一次完整的抓取循环。
//
// 约束：
// - 发现结果为空：记录错误并直接返回，不调用 Extractor/Writer
// - seq 从 1 开始，按发现顺序分配
// - 只要 Extractor 返回了记录就计为成功（即使落盘失败）；返回 nil 计为失败
// - 无论正常结束、取消还是 panic，都满足 Succeeded + Failed == LinksFound
func (o *Orchestrator) Run(ctx context.Context, chartURL string) (res Result, err error) {
	logger := o.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	tracer := o.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/John-Robertt/imdbx/internal/app/run")
	}
	obs := observerOr(o.Observer)

	ctx, span := tracer.Start(ctx, "pipeline", trace.WithAttributes(attribute.String("chart.url", chartURL)))
	defer span.End()

	var links []string
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		perr := pkgerrors.Errorf("panic: %v", p)
		logger.Error("处理过程中出现未处理的异常", "critical", true, "err", p, "stack", fmt.Sprintf("%+v", perr))
		msg := fmt.Sprintf("%v", p)
		for seq := len(res.Items) + 1; seq <= len(links); seq++ {
			res.fail(seq, links[seq-1], domain.ErrCodeUnhandled, msg)
		}
		span.RecordError(perr)
		span.SetStatus(codes.Error, "panic")
		err = fmt.Errorf("%w：%v", ErrUnhandled, p)
	}()

	discoverStarted := time.Now()
	logger.Info("打开榜单页", "url", chartURL)
	if navErr := o.Fetcher.Navigate(ctx, chartURL); navErr != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		logger.Warn("打开榜单页失败", "url", chartURL, "err", fetch.Humanize(navErr))
	}

	found, derr := o.Discoverer.Discover(ctx)
	res.Discovered = len(found)
	links = found
	if o.Limit > 0 && len(links) > o.Limit {
		logger.Info("按 limit 截断链接列表", "found", len(found), "limit", o.Limit)
		links = links[:o.Limit]
	}
	res.LinksFound = len(links)
	obs.OnPhaseDone("discover", map[string]any{"found": res.Discovered, "scheduled": res.LinksFound}, time.Since(discoverStarted))

	if len(links) == 0 {
		logger.Error("未发现任何详情链接，流程终止", "url", chartURL, "err", derr)
		span.SetStatus(codes.Error, "no links")
		if derr == nil {
			derr = ErrNoLinks
		}
		return res, derr
	}
	span.SetAttributes(attribute.Int("links", res.LinksFound))

	extractStarted := time.Now()
	total := len(links)
	for i, url := range links {
		seq := i + 1

		if i > 0 && ctx.Err() == nil {
			if err := o.pause(ctx); err != nil {
				logger.Debug("等待间隔被取消", "seq", seq)
			}
		}
		if ctx.Err() != nil {
			o.cancelRest(&res, links, seq, logger)
			break
		}

		obs.OnItemStart(seq, total, url)
		itemStarted := time.Now()
		it := o.processOne(ctx, &res, seq, url, logger)
		obs.OnItemDone(seq, total, it, time.Since(itemStarted))
	}

	obs.OnPhaseDone("extract", map[string]any{
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
	}, time.Since(extractStarted))

	logger.Info("抓取循环结束", "links", res.LinksFound, "succeeded", res.Succeeded, "failed", res.Failed, "elapsed", time.Since(discoverStarted).Round(time.Millisecond))
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

func (o *Orchestrator) processOne(ctx context.Context, res *Result, seq int, url string, logger *log.Logger) domain.ItemResult {
	logger.Info("处理详情页", "seq", seq, "url", url)

	rec, err := o.Extractor.Extract(ctx, url)
	if rec == nil {
		code := domain.ErrCodeUnhandled
		switch {
		case ctx.Err() != nil:
			code = domain.ErrCodeCancelled
		case errors.Is(err, scrape.ErrDetailGateTimeout):
			code = domain.ErrCodeDetailGateTimeout
		case err != nil && !errors.Is(err, fetch.ErrTimeout):
			code = domain.ErrCodeNavigateFailed
		}
		msg := "未返回记录"
		if err != nil {
			msg = fetch.Humanize(err)
		}
		logger.Warn("详情页处理失败", "seq", seq, "url", url, "code", code)
		return res.fail(seq, url, code, msg)
	}

	res.Succeeded++
	rec.Seq = seq
	res.Records = append(res.Records, *rec)

	// 先登记条目再落盘：Writer 内部 panic 时该条目保持“成功但未保存”，不会被重复计为失败。
	res.Items = append(res.Items, domain.ItemResult{
		Seq:       seq,
		URL:       url,
		Title:     rec.TitleOr(""),
		Status:    domain.StatusOK,
		ErrorCode: domain.ErrCodePersistenceFailed,
		ErrorMsg:  "checkpoint 未写入",
	})
	it := &res.Items[len(res.Items)-1]
	if o.Writer.Write(ctx, *rec, seq) {
		it.Checkpoint = o.Writer.Path(seq)
		it.ErrorCode = ""
		it.ErrorMsg = ""
	}
	return *it
}

// cancelRest 把从 seq 开始尚未处理的条目记为 cancelled。
func (o *Orchestrator) cancelRest(res *Result, links []string, seq int, logger *log.Logger) {
	logger.Warn("运行被取消，剩余条目不再处理", "remaining", len(links)-seq+1)
	for s := seq; s <= len(links); s++ {
		res.fail(s, links[s-1], domain.ErrCodeCancelled, "运行被取消")
	}
}

func (o *Orchestrator) pause(ctx context.Context) error {
	int64N := o.int64N
	if int64N == nil {
		int64N = rand.Int64N
	}
	d := o.Pacing.next(int64N)
	if d <= 0 {
		return nil
	}
	if o.sleep != nil {
		return o.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
