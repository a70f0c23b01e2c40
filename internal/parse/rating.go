package parse

import "strings"

// Rating 以 "/" 切分评分文本并保留左侧原文（不做数值转换，保留 "9,3" 这类本地化小数）。
func Rating(raw string) string {
	left, _, _ := strings.Cut(strings.TrimSpace(raw), "/")
	return strings.TrimSpace(left)
}
