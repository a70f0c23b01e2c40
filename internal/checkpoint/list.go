package checkpoint

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Unit 是 raw/ 下的一个 checkpoint 文件。
type Unit struct {
	Path string
	Name string
	// FileSeq 是从文件名解析出的序号；无法解析时为 0。
	FileSeq int
}

// List 列出 dir 下的 movie_*.json（不递归）。
//
// 规则：
// - dir 不存在：返回空列表，不报错
// - 以 '.' 开头的文件（写入中的临时文件）与子目录一律忽略
// - 输出按文件名中的序号升序，无序号的排在最后并按文件名排序，不依赖文件系统顺序
func List(dir string) ([]Unit, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	units := make([]Unit, 0, len(entries))
	for _, e := range entries {
		if !isUnit(e) {
			continue
		}
		name := e.Name()
		units = append(units, Unit{
			Path:    filepath.Join(dir, name),
			Name:    name,
			FileSeq: seqFromName(name),
		})
	}

	sort.SliceStable(units, func(i, j int) bool {
		return lessSeq(units[i].FileSeq, units[j].FileSeq, units[i].Name, units[j].Name)
	})
	return units, nil
}

func isUnit(e fs.DirEntry) bool {
	if e.IsDir() || !e.Type().IsRegular() {
		return false
	}
	name := e.Name()
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasPrefix(name, "movie_") && strings.EqualFold(filepath.Ext(name), ".json")
}

func seqFromName(name string) int {
	s := strings.TrimSuffix(strings.TrimPrefix(name, "movie_"), filepath.Ext(name))
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// lessSeq：序号 > 0 的在前并按序号升序；序号相同（或都为 0）时按名称。
func lessSeq(a, b int, an, bn string) bool {
	switch {
	case a == b:
		return an < bn
	case a == 0:
		return false
	case b == 0:
		return true
	default:
		return a < b
	}
}
