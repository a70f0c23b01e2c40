package export

import (
	"context"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/John-Robertt/imdbx/internal/domain"
	"github.com/John-Robertt/imdbx/internal/infra/fsx"
)

const SheetName = "Top Filmes IMDB"

// XLSX 写出单工作表的 Excel 文件：首行为列名，之后每条记录一行。
type XLSX struct{}

func (XLSX) Write(_ context.Context, path string, rows []domain.MovieRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return err
	}

	header := make([]any, len(domain.Columns))
	for i, c := range domain.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return err
	}

	for i, rec := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		vals := rowValues(rec)
		if err := f.SetSheetRow(SheetName, cell, &vals); err != nil {
			return err
		}
	}

	for i, c := range domain.Columns {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(SheetName, col, col, columnWidth(c)); err != nil {
			return err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), buf.Bytes())
}

func columnWidth(col string) float64 {
	switch col {
	case "title":
		return 40
	case "synopsis":
		return 60
	default:
		return 15
	}
}

// rowValues 输出单元格值；缺失字段留空（nil 单元格）。
func rowValues(rec domain.MovieRecord) []any {
	ptrs := []*string{rec.Title, rec.Year, rec.Duration, rec.Rating, rec.Synopsis}
	out := make([]any, len(ptrs))
	for i, p := range ptrs {
		if p != nil {
			out[i] = *p
		}
	}
	return out
}
