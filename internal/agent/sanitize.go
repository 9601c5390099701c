package agent

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// 发给回答模型前对工具输出做的裁剪上限。
const (
	MaxResultChars   = 2000
	MaxStringLen     = 500
	MaxListLen       = 50
	truncatedMarker  = "…<truncated>"
	truncatedListTag = "…<truncated list>"
	omittedNotice    = "tool output omitted (size limit)"
)

// SanitizeValue 截断过长字符串与过长列表，返回裁剪后的值及其计入总量的字符数。
//
// 数字、布尔等标量按 JSON 文本长度计数，map 的键名也计入；结构体等其它类型先转换为
// JSON 通用值再处理。对已经裁剪过的值再次调用不会产生变化。
func SanitizeValue(value any, maxStr, maxList int) (any, int) {
	switch v := value.(type) {
	case string:
		n := utf8.RuneCountInString(v)
		if n <= maxStr {
			return v, n
		}
		return string([]rune(v)[:maxStr]) + truncatedMarker, maxStr
	case []any:
		return sanitizeList(v, maxStr, maxList)
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return sanitizeList(items, maxStr, maxList)
	case []map[string]any:
		items := make([]any, len(v))
		for i, m := range v {
			items[i] = m
		}
		return sanitizeList(items, maxStr, maxList)
	case map[string]any:
		out := make(map[string]any, len(v))
		total := 0
		for k, item := range v {
			s, size := SanitizeValue(item, maxStr, maxList)
			out[k] = s
			total += utf8.RuneCountInString(k) + size
		}
		return out, total
	default:
		return sanitizeOther(value, maxStr, maxList)
	}
}

func sanitizeOther(value any, maxStr, maxList int) (any, int) {
	raw, err := json.Marshal(value)
	if err != nil {
		return SanitizeValue(fmt.Sprint(value), maxStr, maxList)
	}
	if len(raw) > 0 && (raw[0] == '{' || raw[0] == '[' || raw[0] == '"') {
		var plain any
		if err := json.Unmarshal(raw, &plain); err != nil {
			return SanitizeValue(string(raw), maxStr, maxList)
		}
		return SanitizeValue(plain, maxStr, maxList)
	}
	return value, len(raw)
}

func sanitizeList(items []any, maxStr, maxList int) (any, int) {
	keep := items
	if len(keep) > maxList {
		keep = keep[:maxList]
	}
	out := make([]any, 0, len(keep)+1)
	total := 0
	for _, item := range keep {
		s, size := SanitizeValue(item, maxStr, maxList)
		out = append(out, s)
		total += size
	}
	if len(items) > maxList {
		out = append(out, truncatedListTag)
	}
	return out, total
}

// SanitizeToolResults 按默认上限裁剪所有结果，累计字符数超过上限后的结果替换为省略提示。
func SanitizeToolResults(results []ToolResult) []ToolResult {
	return sanitizeToolResults(results, MaxResultChars, MaxStringLen, MaxListLen)
}

func sanitizeToolResults(results []ToolResult, maxChars, maxStr, maxList int) []ToolResult {
	out := make([]ToolResult, 0, len(results))
	running := 0
	for _, r := range results {
		if r.Result == nil {
			out = append(out, r)
			continue
		}
		sanitized, size := SanitizeValue(r.Result, maxStr, maxList)
		running += size
		payload, _ := sanitized.(map[string]any)
		if running > maxChars {
			payload = map[string]any{"notice": omittedNotice}
		}
		out = append(out, ToolResult{StepID: r.StepID, ToolName: r.ToolName, Result: payload})
	}
	return out
}
