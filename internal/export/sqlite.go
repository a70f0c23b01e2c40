package export

import (
	"context"
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/John-Robertt/imdbx/internal/domain"
	"github.com/John-Robertt/imdbx/internal/infra/fsx"
)

//go:embed schema.sql
var schema string

// SQLite 把记录写入单表数据库 movies。每次导出生成全新文件。
type SQLite struct{}

func (SQLite) Write(ctx context.Context, path string, rows []domain.MovieRecord) error {
	dir, name := filepath.Dir(path), filepath.Base(path)
	tmp, err := fsx.TempPath(dir, name)
	if err != nil {
		return err
	}
	if err := writeDB(ctx, tmp, rows); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return fsx.CommitTemp(tmp, dir, name)
}

func writeDB(ctx context.Context, path string, rows []domain.MovieRecord) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO movies (seq, title, year, duration, rating, synopsis) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range rows {
		if _, err := stmt.ExecContext(ctx, rec.Seq, deref(rec.Title), nullable(rec.Year), nullable(rec.Duration), nullable(rec.Rating), nullable(rec.Synopsis)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return db.Close()
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// nullable 把缺失字段写成 SQL NULL。
func nullable(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
