package agent

import (
	"context"
	"fmt"
	"maps"

	"github.com/wwwzy/OpsCopilot/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// 注入到工具参数中的内部字段，工具服务据此串联链路与会话。
const (
	ArgTraceParent = "__traceparent"
	ArgTraceState  = "__tracestate"
	ArgSessionID   = "__session_id"
	ArgAgentRunID  = "__agent_run_id"
)

// ToolExecutorNode 依次执行计划中的每一步。
//
// 单步返回非 success 状态不会中断循环，由回答节点决定如何总结部分失败。
type ToolExecutorNode struct {
	Service ToolService
}

func (n *ToolExecutorNode) Run(ctx context.Context, state AgentState) (AgentState, error) {
	if state.HasError() {
		return state, nil
	}
	if state.Plan == nil || len(state.Plan.Steps) == 0 {
		return state, ErrPlanMissing
	}
	if n == nil || n.Service == nil {
		return state, ErrToolServiceNotAvailable
	}

	rec := state.Recorder
	results := make([]ToolResult, 0, len(state.Plan.Steps))
	for _, step := range state.Plan.Steps {
		if err := ConsumeToolCall(ctx); err != nil {
			return state.
				WithToolResults(results).
				WithError(ErrorToolCallLimit, fmt.Sprintf("tool call limit reached before step %s", step.StepID)), nil
		}

		response, err := n.callTool(ctx, step, rec)
		if err != nil {
			return state, fmt.Errorf("call tool %s: %w", step.ToolName, err)
		}

		if rec != nil {
			recordBestEffort(ctx, "record_tool_call", func() error {
				return rec.RecordToolCall(ctx, step.ToolName, step.Args, response)
			})
		}
		results = append(results, ToolResult{StepID: step.StepID, ToolName: step.ToolName, Result: response})
	}

	return state.
		WithToolResults(results).
		WithEvent("tool_executor.completed", map[string]any{"steps": len(results)}), nil
}

func (n *ToolExecutorNode) callTool(ctx context.Context, step PlanStep, rec Recorder) (map[string]any, error) {
	ctx, span := otel.Tracer("opscopilot/agent").Start(ctx, "tool.call")
	defer span.End()
	span.SetAttributes(attribute.String("tool_name", step.ToolName))
	if rec != nil {
		span.SetAttributes(
			attribute.String("session_id", rec.SessionID()),
			attribute.String("agent_run_id", rec.RunID()),
		)
	}

	LoggerFrom(ctx).Debug("tool_executor step", "step_id", step.StepID, "tool", step.ToolName)

	resp, err := n.Service.CallTool(ctx, step.ToolName, instrumentedArgs(ctx, step.Args, rec))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.ObserveToolCall(step.ToolName, "error", 0)
		return nil, err
	}

	response := resp.AsMap()
	status, _ := response["status"].(string)
	span.SetAttributes(attribute.String("result_status", status))
	observability.ObserveToolCall(step.ToolName, status, resp.LatencyMs)
	return response, nil
}

// instrumentedArgs 复制参数并注入链路上下文与会话标识，原参数保持不变。
func instrumentedArgs(ctx context.Context, args map[string]any, rec Recorder) map[string]any {
	next := make(map[string]any, len(args)+4)
	maps.Copy(next, args)

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if tp := carrier.Get("traceparent"); tp != "" {
		next[ArgTraceParent] = tp
	}
	if ts := carrier.Get("tracestate"); ts != "" {
		next[ArgTraceState] = ts
	}
	if rec != nil {
		next[ArgSessionID] = rec.SessionID()
		next[ArgAgentRunID] = rec.RunID()
	}
	return next
}
