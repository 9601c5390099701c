package agent

import (
	"context"
	"fmt"
	"sync"
)

// ToolRegistry 懒加载并缓存工具服务暴露的工具列表。
//
// 锁只保护缓存的读写，拉取过程在锁外进行：并发的首次调用可能各自拉取一次，
// 后写入者覆盖先写入者。工具列表在同一服务上是稳定的，重复填充不会破坏缓存。
type ToolRegistry struct {
	service ToolService

	mu    sync.RWMutex
	tools []Tool
}

func NewToolRegistry(service ToolService) *ToolRegistry {
	return &ToolRegistry{service: service}
}

func (r *ToolRegistry) ListTools(ctx context.Context) ([]Tool, error) {
	if r == nil || r.service == nil {
		return nil, ErrToolServiceNotAvailable
	}

	r.mu.RLock()
	cached := r.tools
	r.mu.RUnlock()
	if cached != nil {
		return append(make([]Tool, 0, len(cached)), cached...), nil
	}

	tools, err := r.service.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	if tools == nil {
		tools = []Tool{}
	}

	r.mu.Lock()
	r.tools = tools
	r.mu.Unlock()

	return append(make([]Tool, 0, len(tools)), tools...), nil
}

// Invalidate 清空缓存，下次 ListTools 会重新拉取。
func (r *ToolRegistry) Invalidate() {
	r.mu.Lock()
	r.tools = nil
	r.mu.Unlock()
}
