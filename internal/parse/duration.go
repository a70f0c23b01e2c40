// Package parse 把详情页上抓到的原始文本规范化为记录字段。纯函数，无 I/O。
package parse

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseDuration 解析形如 "2h 22min"、"3h"、"45min" 的时长文本。
//
// 规则：
// - 含 "h"：以第一个 "h" 切分，左侧为小时；右侧若含 "min"，取 "min" 之前的数字为分钟
// - 仅含 "min"：取 "min" 之前的数字为分钟
// - 都不含：0 小时 0 分钟
func ParseDuration(raw string) (hours, minutes int, err error) {
	s := strings.TrimSpace(raw)

	switch {
	case strings.Contains(s, "h"):
		left, right, _ := strings.Cut(s, "h")
		hours, err = strconv.Atoi(strings.TrimSpace(left))
		if err != nil {
			return 0, 0, fmt.Errorf("无法解析小时：%q", raw)
		}
		if strings.Contains(right, "min") {
			minutes, err = minutesBefore(right)
			if err != nil {
				return 0, 0, fmt.Errorf("无法解析分钟：%q", raw)
			}
		}
	case strings.Contains(s, "min"):
		minutes, err = minutesBefore(s)
		if err != nil {
			return 0, 0, fmt.Errorf("无法解析分钟：%q", raw)
		}
	}
	return hours, minutes, nil
}

// FormatDuration 渲染时长：为 0 的部分省略，两者都为 0 时返回空串。
// 例如 (0,45) => "45min"，(3,0) => "3h"。
func FormatDuration(hours, minutes int) string {
	parts := make([]string, 0, 2)
	if hours > 0 {
		parts = append(parts, strconv.Itoa(hours)+"h")
	}
	if minutes > 0 {
		parts = append(parts, strconv.Itoa(minutes)+"min")
	}
	return strings.Join(parts, " ")
}

// NormalizeDuration = ParseDuration + FormatDuration。
func NormalizeDuration(raw string) (string, error) {
	h, m, err := ParseDuration(raw)
	if err != nil {
		return "", err
	}
	return FormatDuration(h, m), nil
}

func minutesBefore(s string) (int, error) {
	num, _, _ := strings.Cut(s, "min")
	return strconv.Atoi(strings.TrimSpace(num))
}
