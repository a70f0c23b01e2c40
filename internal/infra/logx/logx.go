// Package logx 构造运行期使用的 logger：同时写 <run>/log/execution.log 与终端。
package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

type Options struct {
	// Level: debug|info|warn|error，空串视为 info。
	Level string
	// File 为空则不写文件。文件每次运行截断重写。
	File string
	// Console 为 nil 则不输出到终端。
	Console io.Writer
	Prefix  string
}

// New 返回 logger 与需要在运行结束时关闭的文件句柄（可能为 nopCloser）。
func New(opts Options) (*log.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	writers := make([]io.Writer, 0, 2)
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, f)
		closer = f
	}
	if opts.Console != nil {
		writers = append(writers, opts.Console)
	}

	var w io.Writer = io.Discard
	switch len(writers) {
	case 1:
		w = writers[0]
	case 2:
		w = io.MultiWriter(writers...)
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          opts.Prefix,
	})
	return logger, closer, nil
}

// ParseLevel 解析配置中的日志级别。
func ParseLevel(s string) (log.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return log.InfoLevel, nil
	}
	return log.ParseLevel(s)
}

// Discard 返回一个丢弃所有输出的 logger（测试与未配置日志的调用方使用）。
func Discard() *log.Logger { return log.New(io.Discard) }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
