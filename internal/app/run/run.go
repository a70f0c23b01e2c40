package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Robertt/imdbx/internal/checkpoint"
	"github.com/John-Robertt/imdbx/internal/config"
	"github.com/John-Robertt/imdbx/internal/domain"
	"github.com/John-Robertt/imdbx/internal/fetch"
	"github.com/John-Robertt/imdbx/internal/infra/fsx"
	"github.com/John-Robertt/imdbx/internal/infra/httpx"
	"github.com/John-Robertt/imdbx/internal/infra/logx"
	"github.com/John-Robertt/imdbx/internal/infra/pagedump"
	"github.com/John-Robertt/imdbx/internal/infra/telemetry"
	"github.com/John-Robertt/imdbx/internal/scrape"
	"github.com/John-Robertt/imdbx/internal/site"
)

const serviceName = "imdbx"

// FetcherFactory 构造本次运行使用的 Fetcher。
type FetcherFactory func(eff config.EffectiveConfig, logger *log.Logger, tracer trace.Tracer) (fetch.Fetcher, error)

// Options 是运行时依赖（均可为零值）。
type Options struct {
	// NewFetcher 为 nil 时使用 HTTP 会话（fetch.Session）。
	NewFetcher FetcherFactory
	// Console 接收日志的终端副本；nil 时只写 execution.log。
	Console io.Writer
	// Now 用于生成 run 目录名；nil 时为 time.Now。
	Now func() time.Time
	// Tracer 非空时替代按配置构造的 tracer provider。
	Tracer trace.Tracer
}

// NewHTTPFetcher 是默认的 FetcherFactory。
func NewHTTPFetcher(eff config.EffectiveConfig, logger *log.Logger, tracer trace.Tracer) (fetch.Fetcher, error) {
	hc, err := httpx.NewClient(httpx.Options{
		ProxyURL: eff.ProxyURL,
		Timeout:  eff.RequestTimeout,
		RetryMax: eff.RetryMax,
	})
	if err != nil {
		return nil, err
	}
	return fetch.NewSession(fetch.Options{
		HTTPClient:     hc,
		AcceptLanguage: eff.AcceptLanguage,
		PollInterval:   eff.PollInterval,
		Logger:         logger,
		Tracer:         tracer,
	})
}

// Execute 执行一次完整运行，并返回对外稳定的 RunReport。
func Execute(ctx context.Context, eff config.EffectiveConfig, opts Options) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, opts, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
//
// 该函数不返回 error：所有失败都降级为 RunReport 中的 error_code（运行级或条目级）。
// 任何退出路径（包括 panic）都会关闭 Fetcher 并尽量写出 report.json。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, opts Options, obs Observer) (rr domain.RunReport) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	started := now()
	obs = observerOr(obs)
	obs.OnStart(eff)

	rr = domain.RunReport{
		RunID:     uuid.NewString(),
		ChartURL:  eff.ChartURL,
		Profile:   eff.Profile,
		StartedAt: started,
		Items:     make([]domain.ItemResult, 0, 256),
	}

	layout, err := CreateLayout(eff.BaseDir, started)
	if err != nil {
		rr.ErrorCode = domain.ErrCodePersistenceFailed
		rr.ErrorMsg = fmt.Sprintf("创建 run 目录失败：%v", err)
		rr.FinishedAt = time.Now()
		rr.Finalize()
		return rr
	}
	rr.RunDir = layout.Root

	logger, closer, err := logx.New(logx.Options{Level: eff.LogLevel, File: layout.LogFile(), Console: opts.Console})
	if err != nil {
		rr.ErrorCode = domain.ErrCodeConfigInvalid
		rr.ErrorMsg = fmt.Sprintf("初始化日志失败：%v", err)
		rr.FinishedAt = time.Now()
		rr.Finalize()
		writeReport(layout, &rr, log.New(io.Discard))
		return rr
	}
	defer closer.Close()

	runLog := logger.WithPrefix("run")
	defer func() {
		rr.FinishedAt = time.Now()
		rr.Finalize()
		logSummary(runLog, rr)
		writeReport(layout, &rr, runLog)
	}()

	tracer := opts.Tracer
	if tracer == nil {
		tel, err := telemetry.Setup(ctx, serviceName, eff.Telemetry)
		if err != nil {
			runLog.Warn("初始化 tracing 失败，继续运行", "err", err)
			tel, _ = telemetry.Setup(ctx, serviceName, telemetry.Config{})
		}
		defer func() {
			if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
				runLog.Warn("关闭 tracing 失败", "err", err)
			}
		}()
		tracer = tel.Tracer("github.com/John-Robertt/imdbx")
	}

	ctx, span := tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run.id", rr.RunID),
		attribute.String("run.dir", layout.Root),
		attribute.String("profile", eff.Profile),
	))
	defer span.End()

	runLog.Info("开始运行", "run_id", rr.RunID, "dir", layout.Root, "chart_url", eff.ChartURL, "profile", eff.Profile)

	profile, ok := site.Builtin().Get(eff.Profile)
	if !ok {
		rr.ErrorCode = domain.ErrCodeConfigInvalid
		rr.ErrorMsg = fmt.Sprintf("未知的 profile：%q", eff.Profile)
		return rr
	}

	newFetcher := opts.NewFetcher
	if newFetcher == nil {
		newFetcher = NewHTTPFetcher
	}
	fetcher, err := newFetcher(eff, logger.WithPrefix("fetch"), tracer)
	if err != nil {
		rr.ErrorCode = domain.ErrCodeConfigInvalid
		rr.ErrorMsg = fmt.Sprintf("初始化抓取会话失败：%v", err)
		runLog.Error("初始化抓取会话失败", "err", err)
		return rr
	}
	var closeOnce sync.Once
	closeFetcher := func() {
		closeOnce.Do(func() {
			if err := fetcher.Close(); err != nil {
				runLog.Warn("关闭抓取会话失败", "err", err)
			}
		})
	}
	defer closeFetcher()

	// 最外层兜底：Orchestrator 之外（例如合并阶段）的 panic 也不能让进程崩溃。
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		closeFetcher()
		perr := pkgerrors.Errorf("panic: %v", p)
		runLog.Error("运行中出现未处理的异常", "critical", true, "err", p, "stack", fmt.Sprintf("%+v", perr))
		span.RecordError(perr)
		span.SetStatus(codes.Error, "panic")
		rr.ErrorCode = domain.ErrCodeUnhandled
		rr.ErrorMsg = fmt.Sprintf("%v", p)
	}()

	var dumper scrape.PageDumper
	if eff.DebugDump {
		store, err := pagedump.New(layout.DebugDir())
		if err != nil {
			runLog.Warn("无法启用页面转储", "err", err)
		} else {
			dumper = store
		}
	}
	writer := checkpoint.Writer{Dir: layout.RawDir(), Logger: logger.WithPrefix("checkpoint"), Tracer: tracer}

	orch := &Orchestrator{
		Fetcher: fetcher,
		Discoverer: scrape.Discoverer{
			Fetcher: fetcher,
			Profile: profile,
			Timeout: eff.CatalogTimeout,
			Dumper:  dumper,
			Logger:  logger.WithPrefix("discover"),
			Tracer:  tracer,
		},
		Extractor: scrape.Extractor{
			Fetcher: fetcher,
			Profile: profile,
			Timeout: eff.DetailTimeout,
			Dumper:  dumper,
			Logger:  logger.WithPrefix("detail"),
			Tracer:  tracer,
		},
		Writer:   writer,
		Pacing:   Pacing{Min: eff.PacingMin, Max: eff.PacingMax},
		Limit:    eff.Limit,
		Logger:   runLog,
		Tracer:   tracer,
		Observer: obs,
	}

	res, runErr := orch.Run(ctx, eff.ChartURL)
	closeFetcher()

	rr.LinksFound = res.LinksFound
	for _, it := range res.Items {
		it.Checkpoint = layout.Rel(it.Checkpoint)
		rr.Items = append(rr.Items, it)
	}
	if runErr != nil {
		rr.ErrorCode, rr.ErrorMsg = classify(runErr)
		span.SetStatus(codes.Error, rr.ErrorCode)
	}

	// 中断或异常后仍然合并已落盘的 checkpoint。
	cres, err := consolidate(context.WithoutCancel(ctx), layout, eff.Output, logger.WithPrefix("consolidate"), tracer, obs)
	rr.Summary.Rows = cres.Rows
	rr.Export = layout.Rel(cres.Path)
	if err != nil && rr.ErrorCode == "" {
		rr.ErrorCode = domain.ErrCodePersistenceFailed
		rr.ErrorMsg = err.Error()
	}
	return rr
}

// Consolidate 对已存在的 run 目录重新执行合并（不访问网络）。
func Consolidate(ctx context.Context, runDir, output string, logger *log.Logger) (checkpoint.ConsolidateResult, error) {
	if logger == nil {
		logger = logx.Discard()
	}
	layout, err := OpenLayout(runDir)
	if err != nil {
		return checkpoint.ConsolidateResult{}, err
	}
	return consolidate(ctx, layout, output, logger, nil, nil)
}

func consolidate(ctx context.Context, layout Layout, output string, logger *log.Logger, tracer trace.Tracer, obs Observer) (checkpoint.ConsolidateResult, error) {
	started := time.Now()
	c := checkpoint.Consolidator{
		Dir:    layout.RawDir(),
		OutDir: layout.ProcessedDir(),
		Logger: logger,
		Tracer: tracer,
	}
	res, err := c.Consolidate(ctx, output)
	observerOr(obs).OnPhaseDone("consolidate", map[string]any{
		"rows":    res.Rows,
		"skipped": len(res.Skipped),
		"output":  layout.Rel(res.Path),
	}, time.Since(started))
	return res, err
}

func classify(err error) (code, msg string) {
	switch {
	case errors.Is(err, scrape.ErrDiscoveryTimeout):
		code = domain.ErrCodeDiscoveryTimeout
	case errors.Is(err, ErrNoLinks):
		code = domain.ErrCodeNoLinks
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = domain.ErrCodeCancelled
	default:
		code = domain.ErrCodeUnhandled
	}
	return code, fetch.Humanize(err)
}

func writeReport(layout Layout, rr *domain.RunReport, logger *log.Logger) {
	if err := fsx.WriteJSON(layout.Root, "report.json", rr, true); err != nil {
		logger.Error("写入 report.json 失败", "err", err)
	}
}

func logSummary(logger *log.Logger, rr domain.RunReport) {
	logger.Info("运行摘要",
		"elapsed", rr.Elapsed().Round(time.Millisecond),
		"links", rr.LinksFound,
		"succeeded", rr.Summary.Succeeded,
		"failed", rr.Summary.Failed,
		"unsaved", rr.Summary.Unsaved,
		"rows", rr.Summary.Rows,
		"dir", rr.RunDir,
	)
}
