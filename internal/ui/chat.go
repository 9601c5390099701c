package ui

import (
	"context"
	"iter"

	"github.com/wwwzy/OpsCopilot/internal/chat"
)

// ChatBackend 是界面使用的对话服务，由 *chat.Service 实现。
type ChatBackend interface {
	RunStream(ctx context.Context, sessionID, prompt string) (iter.Seq[chat.Event], error)
}

type ChatUI interface {
	Run(ctx context.Context, backend ChatBackend, sessionID string, opts ChatOptions) error
}

type ChatOptions struct {
	// ShowProgress 为 true 时展示节点进度。
	ShowProgress bool
	// ShowToolLogs 为 true 时展示日志类工具的输出。
	ShowToolLogs bool
}
