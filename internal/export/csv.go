package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"

	"github.com/John-Robertt/imdbx/internal/domain"
	"github.com/John-Robertt/imdbx/internal/infra/fsx"
)

// CSV 写出 RFC 4180 格式（含逗号的单元格加引号，例如评分 "9,3"）。
type CSV struct{}

func (CSV) Write(_ context.Context, path string, rows []domain.MovieRecord) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(domain.Columns); err != nil {
		return err
	}
	for _, rec := range rows {
		if err := w.Write(rec.Row()); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), buf.Bytes())
}
