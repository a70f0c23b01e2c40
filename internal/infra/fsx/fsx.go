package fsx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// 通过可替换的函数指针，让测试能稳定模拟 rename/link 失败。
var (
	renameFunc = os.Rename
	linkFunc   = os.Link
)

// PathTypeConflictError 表示目标路径类型冲突（例如期望文件但实际是目录）。
type PathTypeConflictError struct {
	Path string
	Want string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("目标路径类型冲突：%q（期望 %s，实际 %s）", e.Path, e.Want, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// EnsureDir 确保 dir 存在且是目录；已存在同名文件时返回 PathTypeConflictError。
func EnsureDir(dir string) error {
	fi, err := os.Stat(dir)
	if err == nil {
		if fi.IsDir() {
			return nil
		}
		return &PathTypeConflictError{Path: dir, Want: "dir", Got: "file"}
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// WriteFileAtomicNoOverwrite 在 dir 下原子写入 name（同目录临时文件 + link）。
//
// 目标已存在时返回 os.ErrExist：checkpoint 一经写出就不再改动。link 在目标存在时由内核拒绝，
// 并发写同一文件也只有一个成功。文件系统不支持硬链接时退化为“检查 + rename”，
// 此时只在单写者下保证不覆盖。
func WriteFileAtomicNoOverwrite(dir, name string, data []byte) error {
	dst := filepath.Join(filepath.Clean(dir), name)
	if err := checkAbsent(dst); err != nil {
		return err
	}
	return writeFileAtomic(dir, name, data, 0o644, func(tmp, dst string) error {
		err := linkFunc(tmp, dst)
		if err == nil || errors.Is(err, os.ErrExist) {
			return err
		}
		if err := checkAbsent(dst); err != nil {
			return err
		}
		return renameFunc(tmp, dst)
	})
}

func checkAbsent(dst string) error {
	if fi, err := os.Lstat(dst); err == nil {
		if fi.IsDir() {
			return &PathTypeConflictError{Path: dst, Want: "file", Got: "dir"}
		}
		if !fi.Mode().IsRegular() {
			return &PathTypeConflictError{Path: dst, Want: "regular file", Got: fi.Mode().Type().String()}
		}
		return os.ErrExist
	} else if !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteFileAtomicReplace 写入并覆盖同名文件（report.json、导出文件等）。
func WriteFileAtomicReplace(dir, name string, data []byte) error {
	return writeFileAtomic(dir, name, data, 0o644, renameFunc)
}

// WriteJSON 以缩进格式序列化 v 并原子写入；overwrite=false 时语义同 WriteFileAtomicNoOverwrite。
func WriteJSON(dir, name string, v any, overwrite bool) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if overwrite {
		return WriteFileAtomicReplace(dir, name, b)
	}
	return WriteFileAtomicNoOverwrite(dir, name, b)
}

// CommitTemp 把同目录下已写完的临时文件 rename 为 name。
// 用于由第三方库自行写文件（xlsx/sqlite）的场景。
func CommitTemp(tmpPath, dir, name string) error {
	if err := renameFunc(tmpPath, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDirBestEffort(dir)
	return nil
}

// TempPath 返回 dir 下一个尚不存在的临时文件路径（以 '.' 开头，避免混入 checkpoint 列表）。
func TempPath(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "."+name+".tmp-*"+filepath.Ext(name))
	if err != nil {
		return "", err
	}
	p := f.Name()
	_ = f.Close()
	return p, nil
}

// writeFileAtomic 写同目录临时文件后交给 commit 放到目标位置；临时文件总会被删除。
func writeFileAtomic(dir, name string, data []byte, perm os.FileMode, commit func(tmp, dst string) error) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	dst := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if err := writeAll(tmp, data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := commit(tmpName, dst); err != nil {
		return err
	}

	// 目录 fsync：best-effort。
	_ = syncDirBestEffort(dir)
	return nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func syncDirBestEffort(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
