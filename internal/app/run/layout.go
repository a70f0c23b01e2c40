package run

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/John-Robertt/imdbx/internal/infra/fsx"
)

// RunDirLayout 是 run 目录名的时间格式（本地时间）。
const RunDirLayout = "run_2006-01-02_15-04-05"

// Layout 描述一次运行的目录结构：
//
//	<base>/run_<ts>/
//	  log/execution.log
//	  raw/movie_{seq}.json
//	  processed/<output>
//	  debug/debug_page_*.html
//	  report.json
type Layout struct {
	Root string
}

func (l Layout) LogDir() string       { return filepath.Join(l.Root, "log") }
func (l Layout) LogFile() string      { return filepath.Join(l.LogDir(), "execution.log") }
func (l Layout) RawDir() string       { return filepath.Join(l.Root, "raw") }
func (l Layout) ProcessedDir() string { return filepath.Join(l.Root, "processed") }
func (l Layout) DebugDir() string     { return filepath.Join(l.Root, "debug") }
func (l Layout) ReportFile() string   { return filepath.Join(l.Root, "report.json") }

// Rel 返回 p 相对 run 目录的路径；无法计算时原样返回。
func (l Layout) Rel(p string) string {
	if p == "" {
		return ""
	}
	if rel, err := filepath.Rel(l.Root, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return p
}

// CreateLayout 在 baseDir 下创建新的 run 目录及其子目录。
// 同一秒内重复启动时追加 _2、_3… 后缀，不复用已有目录。
func CreateLayout(baseDir string, t time.Time) (Layout, error) {
	if err := fsx.EnsureDir(baseDir); err != nil {
		return Layout{}, err
	}

	name := t.Format(RunDirLayout)
	root := filepath.Join(baseDir, name)
	for i := 2; ; i++ {
		err := os.Mkdir(root, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return Layout{}, err
		}
		if i > 100 {
			return Layout{}, fmt.Errorf("无法创建 run 目录：%s 已存在", root)
		}
		root = filepath.Join(baseDir, fmt.Sprintf("%s_%d", name, i))
	}

	l := Layout{Root: root}
	for _, d := range []string{l.LogDir(), l.RawDir(), l.ProcessedDir(), l.DebugDir()} {
		if err := fsx.EnsureDir(d); err != nil {
			return Layout{}, err
		}
	}
	return l, nil
}

// OpenLayout 打开一个已存在的 run 目录（用于单独重新合并）。
func OpenLayout(root string) (Layout, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return Layout{}, err
	}
	if !fi.IsDir() {
		return Layout{}, &fsx.PathTypeConflictError{Path: root, Want: "dir", Got: "file"}
	}
	return Layout{Root: filepath.Clean(root)}, nil
}
