package domain

import "strings"

// MovieRecord 是一次详情页抽取的结果（单条记录）。
//
// 约束：
// - 除 Seq 外所有字段都是可选的：nil 表示该字段抽取失败（序列化为 null）
// - Title 是事实上的主键：缺失/为空的记录不会写入 checkpoint
// - Seq 由编排层按发现顺序分配（从 1 开始），并随内容一起落盘，用于合并时恢复排名顺序
type MovieRecord struct {
	Seq      int     `json:"seq"`
	Title    *string `json:"title"`
	Year     *string `json:"year"`
	Duration *string `json:"duration"`
	Rating   *string `json:"rating"`
	Synopsis *string `json:"synopsis"`
}

// Columns 是导出表格的固定列顺序。
var Columns = []string{"title", "year", "duration", "rating", "synopsis"}

// HasTitle 判断记录是否带有非空标题。
func (r MovieRecord) HasTitle() bool {
	return r.Title != nil && strings.TrimSpace(*r.Title) != ""
}

// TitleOr 返回标题；缺失时返回 fallback（用于日志）。
func (r MovieRecord) TitleOr(fallback string) string {
	if r.Title == nil {
		return fallback
	}
	return *r.Title
}

// Row 按 Columns 的顺序输出单元格；缺失字段输出空串。
func (r MovieRecord) Row() []string {
	return []string{
		deref(r.Title),
		deref(r.Year),
		deref(r.Duration),
		deref(r.Rating),
		deref(r.Synopsis),
	}
}

// Str 返回 s 的指针，便于构造记录。
func Str(s string) *string { return &s }

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
