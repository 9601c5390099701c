package chat

import (
	"strings"

	"github.com/wwwzy/OpsCopilot/internal/agent"
	"github.com/wwwzy/OpsCopilot/internal/storage"
)

// promptHistory 从已持久化的消息中恢复澄清链：
// 用户消息后紧跟澄清类助手消息时保留该用户消息，其他助手回复会清空之前的链。
func promptHistory(messages []storage.Message) []string {
	var history []string
	pending := ""
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case RoleUser:
			pending = content
			continue
		case RoleAssistant:
		default:
			continue
		}
		if pending == "" {
			continue
		}
		if isClarificationMessage(m.Metadata) {
			history = append(history, pending)
		} else {
			history = nil
		}
		pending = ""
	}
	return history
}

func isClarificationMessage(meta map[string]any) bool {
	if v, _ := meta["clarification_required"].(bool); v {
		return true
	}
	if e, ok := meta["error"].(map[string]any); ok {
		t, _ := e["type"].(string)
		return t == agent.ErrorClarificationRequired
	}
	return false
}
