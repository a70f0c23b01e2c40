package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Robertt/imdbx/internal/domain"
	"github.com/John-Robertt/imdbx/internal/export"
	"github.com/John-Robertt/imdbx/internal/infra/fsx"
)

// Consolidator 把 raw/ 下的 checkpoint 合并为一个导出文件。
type Consolidator struct {
	// Dir 是 checkpoint 所在目录（raw/）。
	Dir string
	// OutDir 是导出目录（processed/）。
	OutDir string
	// Exporter 按文件名选择写入器；nil 时使用 export.ForName。
	Exporter func(name string) (export.Writer, error)
	Logger   *log.Logger
	Tracer   trace.Tracer
}

type ConsolidateResult struct {
	// Rows 是写入导出文件的记录数。
	Rows int
	// Path 是导出文件路径；没有任何 checkpoint 时为空。
	Path string
	// Skipped 是无法解析而被跳过的文件名。
	Skipped []string
}

// Consolidate 读取全部 checkpoint 并写出 OutDir/outputName。
//
// - 没有 checkpoint：告警，不产生文件，不返回错误
// - 单个文件无法解析：记录错误并跳过
// - 行顺序按记录内嵌的 seq 恢复（seq 为 0 的排在最后）
// - 只有导出本身失败才返回错误
func (c Consolidator) Consolidate(ctx context.Context, outputName string) (ConsolidateResult, error) {
	tracer := c.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	ctx, span := tracer.Start(ctx, "consolidate", trace.WithAttributes(attribute.String("output", outputName)))
	defer span.End()

	logger := c.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	var res ConsolidateResult

	pick := c.Exporter
	if pick == nil {
		pick = export.ForName
	}
	w, err := pick(outputName)
	if err != nil {
		span.SetStatus(codes.Error, "exporter")
		return res, err
	}

	units, err := List(c.Dir)
	if err != nil {
		span.SetStatus(codes.Error, "list")
		return res, fmt.Errorf("读取 checkpoint 目录失败：%w", err)
	}
	if len(units) == 0 {
		logger.Warn("没有可合并的 checkpoint", "dir", c.Dir)
		return res, nil
	}

	type loaded struct {
		rec  domain.MovieRecord
		name string
	}
	recs := make([]loaded, 0, len(units))
	for _, u := range units {
		rec, err := readUnit(u.Path)
		if err != nil {
			logger.Error("无法解析 checkpoint，已跳过", "file", u.Name, "err", err)
			res.Skipped = append(res.Skipped, u.Name)
			continue
		}
		recs = append(recs, loaded{rec: rec, name: u.Name})
	}
	if len(recs) == 0 {
		logger.Warn("所有 checkpoint 都无法解析，不生成导出文件", "dir", c.Dir, "skipped", len(res.Skipped))
		return res, nil
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return lessSeq(recs[i].rec.Seq, recs[j].rec.Seq, recs[i].name, recs[j].name)
	})
	rows := make([]domain.MovieRecord, len(recs))
	for i, r := range recs {
		rows[i] = r.rec
	}

	logger.Info("开始合并", "count", len(rows), "skipped", len(res.Skipped))

	if err := fsx.EnsureDir(c.OutDir); err != nil {
		span.SetStatus(codes.Error, "mkdir")
		return res, err
	}
	out := filepath.Join(c.OutDir, outputName)
	if err := w.Write(ctx, out, rows); err != nil {
		logger.Error("生成导出文件失败", "path", out, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "export")
		return res, fmt.Errorf("生成导出文件失败：%w", err)
	}

	res.Rows = len(rows)
	res.Path = out
	span.SetAttributes(attribute.Int("rows", res.Rows), attribute.Int("skipped", len(res.Skipped)))
	logger.Info("导出文件已生成", "path", out, "rows", res.Rows)
	return res, nil
}

func readUnit(path string) (domain.MovieRecord, error) {
	var rec domain.MovieRecord
	b, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}
