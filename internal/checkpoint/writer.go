// Package checkpoint 负责单条记录的落盘（movie_{seq}.json）以及运行结束后的合并导出。
package checkpoint

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Robertt/imdbx/internal/domain"
	"github.com/John-Robertt/imdbx/internal/infra/fsx"
)

const tracerName = "github.com/John-Robertt/imdbx/internal/checkpoint"

// FileName 返回 seq 对应的 checkpoint 文件名。
func FileName(seq int) string {
	return "movie_" + strconv.Itoa(seq) + ".json"
}

// Writer 把记录写入运行目录下的 raw/。
type Writer struct {
	Dir    string
	Logger *log.Logger
	Tracer trace.Tracer
}

// Path 返回 seq 对应 checkpoint 的完整路径（不保证文件存在）。
func (w Writer) Path(seq int) string {
	return filepath.Join(w.Dir, FileName(seq))
}

// Write 持久化一条记录，成功返回 true。
//
// 约束：
// - 标题缺失或为空：不写文件，告警并返回 false
// - seq 写入记录内容本身，合并阶段据此恢复顺序
// - 同名文件已存在：视为失败，不覆盖
// - 任何 I/O 错误只记录日志，不向上抛出
func (w Writer) Write(ctx context.Context, rec domain.MovieRecord, seq int) bool {
	tracer := w.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	_, span := tracer.Start(ctx, "checkpoint.write", trace.WithAttributes(attribute.Int("seq", seq)))
	defer span.End()

	logger := w.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	if !rec.HasTitle() {
		logger.Warn("记录缺少标题，跳过保存", "seq", seq)
		span.SetStatus(codes.Error, "missing title")
		return false
	}

	rec.Seq = seq
	name := FileName(seq)
	if err := fsx.EnsureDir(w.Dir); err != nil {
		logger.Error("创建 checkpoint 目录失败", "dir", w.Dir, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "mkdir")
		return false
	}
	if err := fsx.WriteJSON(w.Dir, name, rec, false); err != nil {
		if errors.Is(err, os.ErrExist) {
			logger.Error("checkpoint 已存在，拒绝覆盖", "seq", seq, "file", name)
		} else {
			logger.Error("写入 checkpoint 失败", "seq", seq, "file", name, "err", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "write")
		return false
	}

	logger.Info("已保存", "seq", seq, "title", *rec.Title, "file", name)
	return true
}
