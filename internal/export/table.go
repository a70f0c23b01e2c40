package export

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/John-Robertt/imdbx/internal/domain"
	"github.com/John-Robertt/imdbx/internal/infra/fsx"
)

type Format int

const (
	FormatMarkdown Format = iota
	FormatHTML
)

// Table 用 go-pretty 渲染 Markdown / HTML。
type Table struct {
	Format Format
}

func (t Table) Write(_ context.Context, path string, rows []domain.MovieRecord) error {
	out, err := t.Render(rows)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), []byte(out+"\n"))
}

// Render 返回渲染结果（不含结尾换行）。
func (t Table) Render(rows []domain.MovieRecord) (string, error) {
	tw := NewTable(rows)
	switch t.Format {
	case FormatMarkdown:
		return tw.RenderMarkdown(), nil
	case FormatHTML:
		return tw.RenderHTML(), nil
	default:
		return "", fmt.Errorf("%w：format=%d", ErrUnsupported, t.Format)
	}
}

// NewTable 构造带表头的记录表；CLI 预览也复用它。
func NewTable(rows []domain.MovieRecord) table.Writer {
	tw := table.NewWriter()
	header := make(table.Row, len(domain.Columns))
	for i, c := range domain.Columns {
		header[i] = c
	}
	tw.AppendHeader(header)
	for _, rec := range rows {
		cells := rec.Row()
		r := make(table.Row, len(cells))
		for i, c := range cells {
			r[i] = c
		}
		tw.AppendRow(r)
	}
	return tw
}
