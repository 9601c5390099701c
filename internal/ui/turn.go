package ui

import (
	"strings"

	"github.com/wwwzy/OpsCopilot/internal/chat"
)

// 节点进度在界面上的说明。
var progressLabels = map[string]string{
	chat.EventScopeStarted:     "检查请求范围",
	chat.EventScopeRejected:    "请求超出支持范围",
	chat.EventPlannerStarted:   "生成执行计划",
	chat.EventClarifierStarted: "补全工具参数",
	chat.EventClarifyRequired:  "需要更多信息",
	chat.EventAnswerStarted:    "生成回答",
}

// ProgressLabel 返回事件对应的进度说明，非进度事件返回空串。
func ProgressLabel(eventType string) string {
	return progressLabels[eventType]
}

type ToolLog struct {
	ToolName  string
	Text      string
	Truncated bool
}

// Turn 聚合一次运行的事件，供界面渲染。
type Turn struct {
	RunID         string
	Answer        string
	Progress      []string
	ToolLogs      []ToolLog
	Clarification bool
	Failed        bool
	FailureType   string
	FailureReason string
	Done          bool
}

// Apply 合并一条事件，返回本次新增的回答文本。
func (t *Turn) Apply(ev chat.Event) string {
	switch ev.Type {
	case chat.EventRunStarted:
		t.RunID = ev.AgentRunID
	case chat.EventTokenDelta:
		text, _ := ev.Payload["text"].(string)
		t.Answer += text
		return text
	case chat.EventToolLogs:
		t.ToolLogs = append(t.ToolLogs, toolLogs(ev.Payload["items"])...)
	case chat.EventClarifyRequired:
		t.Clarification = true
	case chat.EventError:
		t.Failed = true
		t.FailureType, _ = ev.Payload["error_type"].(string)
		t.FailureReason, _ = ev.Payload["message"].(string)
	case chat.EventRunFailed:
		t.Failed = true
		t.Done = true
		if t.FailureReason == "" {
			t.FailureReason, _ = ev.Payload["reason"].(string)
		}
		if t.FailureType == "" {
			t.FailureType, _ = ev.Payload["failure_type"].(string)
		}
	case chat.EventRunCompleted:
		t.Done = true
	}
	if label := ProgressLabel(ev.Type); label != "" {
		t.Progress = append(t.Progress, label)
	}
	return ""
}

// Text 返回最终展示的文本：失败时为原因，否则为回答。
func (t *Turn) Text() string {
	if t.Failed && strings.TrimSpace(t.Answer) == "" {
		return t.FailureReason
	}
	return t.Answer
}

// toolLogs 兼容进程内的 []map[string]any 与经 JSON 解码的 []any。
func toolLogs(v any) []ToolLog {
	var raw []map[string]any
	switch items := v.(type) {
	case []map[string]any:
		raw = items
	case []any:
		for _, it := range items {
			if m, ok := it.(map[string]any); ok {
				raw = append(raw, m)
			}
		}
	}
	out := make([]ToolLog, 0, len(raw))
	for _, m := range raw {
		name, _ := m["tool_name"].(string)
		text, _ := m["text"].(string)
		truncated, _ := m["truncated"].(bool)
		out = append(out, ToolLog{ToolName: name, Text: text, Truncated: truncated})
	}
	return out
}
