// Package export 把合并后的记录写成表格文件，格式由输出文件的扩展名决定。
package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/imdbx/internal/domain"
)

// ErrUnsupported 表示输出文件扩展名没有对应的写入器。
var ErrUnsupported = errors.New("不支持的导出格式")

// Writer 把 rows 整体写入 path（覆盖已有文件）。列固定为 domain.Columns。
type Writer interface {
	Write(ctx context.Context, path string, rows []domain.MovieRecord) error
}

var writers = map[string]Writer{
	".xlsx":   XLSX{},
	".csv":    CSV{},
	".md":     Table{Format: FormatMarkdown},
	".html":   Table{Format: FormatHTML},
	".db":     SQLite{},
	".sqlite": SQLite{},
}

// ForName 根据文件名扩展名（不区分大小写）选择写入器。
func ForName(name string) (Writer, error) {
	ext := strings.ToLower(filepath.Ext(name))
	w, ok := writers[ext]
	if !ok {
		return nil, fmt.Errorf("%w：%q（支持：%s）", ErrUnsupported, name, strings.Join(Extensions(), ", "))
	}
	return w, nil
}

// Extensions 返回所有支持的扩展名（已排序）。
func Extensions() []string {
	out := make([]string, 0, len(writers))
	for ext := range writers {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
