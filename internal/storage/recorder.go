package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/wwwzy/OpsCopilot/internal/agent"
)

// RunRecorder 把一次运行的生命周期和过程记录写入 Storage，每个方法一次短写入。
type RunRecorder struct {
	store     *Storage
	sessionID string
	runID     string
	now       func() time.Time
}

var _ agent.Recorder = (*RunRecorder)(nil)

func NewRunRecorder(store *Storage, sessionID, runID string) *RunRecorder {
	return &RunRecorder{
		store:     store,
		sessionID: sessionID,
		runID:     runID,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *RunRecorder) SessionID() string { return r.sessionID }
func (r *RunRecorder) RunID() string     { return r.runID }

// Start 创建 running 状态的运行，会话不存在时一并创建。
func (r *RunRecorder) Start(ctx context.Context, config map[string]any) error {
	if r.store == nil {
		return errors.New("storage not initialized")
	}
	return r.store.CreateRun(ctx, &AgentRun{
		ID:        r.runID,
		SessionID: r.sessionID,
		Status:    agent.RunStatusRunning,
		Config:    config,
		StartedAt: r.now(),
	})
}

// Finish 写入终态；未知的运行直接忽略。
func (r *RunRecorder) Finish(ctx context.Context, status string) error {
	_, err := r.store.FinishRun(ctx, r.runID, status, r.now())
	return err
}

func (r *RunRecorder) RecordLLMCall(ctx context.Context, call agent.LLMCall) error {
	return r.store.InsertLLMCall(ctx, &LLMCall{
		AgentRunID:   r.runID,
		AgentNode:    call.AgentNode,
		ModelID:      call.ModelID,
		TokensInput:  call.TokensInput,
		TokensOutput: call.TokensOutput,
		CostUSD:      call.CostUSD,
		LatencyMs:    call.LatencyMs,
		Metadata:     call.Metadata,
		CreatedAt:    r.now(),
	})
}

func (r *RunRecorder) RecordBudgetEvent(ctx context.Context, kind string, deltaUSD, totalUSD float64) error {
	return r.store.InsertBudgetEvent(ctx, &BudgetEvent{
		AgentRunID: r.runID,
		Kind:       kind,
		DeltaUSD:   deltaUSD,
		TotalUSD:   totalUSD,
		CreatedAt:  r.now(),
	})
}

// RecordToolCall 从工具响应中提取状态、耗时与错误信息；字段缺失或类型不符时取零值。
func (r *RunRecorder) RecordToolCall(ctx context.Context, toolName string, args map[string]any, response map[string]any) error {
	status, _ := response["status"].(string)
	if status == "" {
		status = "error"
	}
	truncated, _ := response["truncated"].(bool)
	result := response["result"]

	var errMsg *string
	if status != "success" {
		if e, ok := response["error"].(map[string]any); ok {
			if msg, ok := e["message"].(string); ok {
				errMsg = &msg
			}
		}
	}

	if args == nil {
		args = map[string]any{}
	}
	return r.store.InsertToolCall(ctx, &ToolCall{
		AgentRunID:    r.runID,
		ToolName:      toolName,
		Args:          args,
		Result:        result,
		Status:        status,
		LatencyMs:     toInt64(response["latency_ms"]),
		BytesReturned: bytesFor(result),
		Truncated:     truncated,
		ErrorMessage:  errMsg,
		CreatedAt:     r.now(),
	})
}

// bytesFor 返回 result 的 JSON 字节数，nil 计为 "null"。
func bytesFor(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
