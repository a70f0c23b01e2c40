package pagedump

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/John-Robertt/imdbx/internal/infra/fsx"
)

// Store 把出问题时的页面源码写到 <run>/debug/ 下，便于事后排查（选择器漂移、验证页等）。
//
// 文件名：debug_page_<label>_<timestamp>.html，同名时追加序号，不覆盖。
// 关闭 debug_dump 时调用方不构造 Store。
type Store struct {
	Dir string

	now func() time.Time
}

// New 以 dir 的绝对路径构造 Store。
func New(dir string) (Store, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return Store{}, err
	}
	return Store{Dir: abs, now: time.Now}, nil
}

// Save 写入一份页面源码，返回写入的路径（Dir 为绝对路径时即绝对路径）。
func (s Store) Save(label string, page []byte) (string, error) {
	l, err := cleanLabel(label)
	if err != nil {
		return "", err
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	stamp := now().UTC().Format("2006-01-02T15-04-05.000Z")

	base := fmt.Sprintf("debug_page_%s_%s", l, stamp)
	for i := 0; i < 100; i++ {
		name := base + ".html"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.html", base, i)
		}
		err := fsx.WriteFileAtomicNoOverwrite(s.Dir, name, page)
		if err == nil {
			return filepath.Join(s.Dir, name), nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("pagedump: 无法为 %q 分配文件名", label)
}

var labelRE = regexp.MustCompile(`^[a-z0-9_-]+$`)

func cleanLabel(label string) (string, error) {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return "", fmt.Errorf("label 不能为空")
	}
	// 最小约束：避免路径穿越。
	if !labelRE.MatchString(l) {
		return "", fmt.Errorf("非法 label：%q", label)
	}
	return l, nil
}
