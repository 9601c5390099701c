package chat

import (
	"encoding/json"
	"strings"

	"github.com/wwwzy/OpsCopilot/internal/agent"
)

// 结果中带有日志文本的工具。
var logTools = map[string]bool{
	"k8s.get_pod_logs":          true,
	"docker.get_container_logs": true,
}

// toolLogItems 从工具结果中提取日志文本，没有可展示内容的结果会被跳过。
func toolLogItems(results []agent.ToolResult) []map[string]any {
	var items []map[string]any
	for _, r := range results {
		if r.Result == nil {
			continue
		}
		text, ok := LogText(r.ToolName, r.Result["result"])
		if !ok {
			continue
		}
		truncated, _ := r.Result["truncated"].(bool)
		items = append(items, map[string]any{
			"step_id":   r.StepID,
			"tool_name": r.ToolName,
			"text":      text,
			"truncated": truncated,
		})
	}
	return items
}

// LogText 返回日志类工具结果中的日志文本；非日志工具或没有文本时 ok 为 false。
func LogText(toolName string, result any) (text string, ok bool) {
	if !logTools[toolName] {
		return "", false
	}
	payload := asObject(result)
	if payload == nil {
		return "", false
	}
	text = logText(payload)
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

func logText(payload map[string]any) string {
	for _, key := range []string{"text", "logs"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	var parts []string
	for _, key := range []string{"stdout", "stderr"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// asObject 把本地工具返回的结构体统一转换为 map。
func asObject(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return t
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
