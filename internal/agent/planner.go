package agent

import (
	"context"
	"fmt"
)

// PlannerNode 把请求转换为有序的工具调用计划。
//
// 配置了 LLM 规划器且存在 prompt 时交给模型；否则使用确定性的回退策略：
// 在所有必填参数都能由状态槽位满足的工具中，选择必填参数最多的那一个。
type PlannerNode struct {
	Generator PlanGenerator
	Retriever Retriever
}

func (n *PlannerNode) Run(ctx context.Context, state AgentState) (AgentState, error) {
	if state.HasError() {
		return state, nil
	}

	next := state
	if n != nil && next.Prompt != "" && next.Rag == nil {
		if rag := retrieveOptional(ctx, n.Retriever, next.Prompt, "planner"); rag != nil {
			next = next.WithRag(rag)
		}
	}

	if n != nil && n.Generator != nil && next.Prompt != "" {
		plan, err := n.Generator.Plan(ctx, next.Prompt, next.ToolNames())
		if err != nil {
			return state, fmt.Errorf("llm planner: %w", err)
		}
		if plan == nil || len(plan.Steps) == 0 {
			return next.WithError(ErrorPlanner, "planner returned no steps"), nil
		}
		return next.WithPlan(plan).WithEvent("planner.completed", plannerPayload(plan)), nil
	}

	return FallbackPlan(ctx, next), nil
}

// FallbackPlan 根据状态中的槽位挑选最具体的可满足工具。
func FallbackPlan(ctx context.Context, state AgentState) AgentState {
	if len(state.Tools) == 0 {
		return state.WithError(ErrorPlanner, "no tools available")
	}

	var (
		best         *Tool
		bestArgs     map[string]any
		bestRequired []string
	)
	for i := range state.Tools {
		tool := &state.Tools[i]
		required := RequiredFields(tool.InputSchema)
		args := argsFromHints(state, tool.InputSchema)
		if !containsAll(args, required) {
			continue
		}
		// 必填参数严格更多才替换，参数数量相同时保留先出现的工具。
		if best == nil || len(required) > len(bestRequired) {
			best, bestArgs, bestRequired = tool, args, required
		}
	}
	if best == nil {
		return state.WithError(ErrorPlanner, "no compatible tool for state")
	}

	LoggerFrom(ctx).Debug("planner fallback selected tool",
		"tool", best.Name, "required", bestRequired)

	plan := &Plan{Steps: []PlanStep{{StepID: "step-1", ToolName: best.Name, Args: bestArgs}}}
	return state.WithPlan(plan).WithEvent("planner.completed", plannerPayload(plan))
}

func plannerPayload(plan *Plan) map[string]any {
	names := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		names = append(names, s.ToolName)
	}
	return map[string]any{"steps": len(plan.Steps), "tools": names}
}

func argsFromHints(state AgentState, schema map[string]any) map[string]any {
	args := map[string]any{}
	props := PropertyNames(schema)
	if _, ok := props["namespace"]; ok && state.Namespace != "" {
		args["namespace"] = state.Namespace
	}
	if _, ok := props["label_selector"]; ok && state.LabelSelector != "" {
		args["label_selector"] = state.LabelSelector
	}
	return args
}

// RequiredFields 读取 JSON Schema 中的 required 字段，忽略非字符串项。
func RequiredFields(schema map[string]any) []string {
	if schema == nil {
		return nil
	}
	var out []string
	switch req := schema["required"].(type) {
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, req...)
	}
	return out
}

// PropertyNames 读取 JSON Schema 中声明的属性名。
func PropertyNames(schema map[string]any) map[string]struct{} {
	out := map[string]struct{}{}
	if schema == nil {
		return out
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return out
	}
	for k := range props {
		out[k] = struct{}{}
	}
	return out
}

func containsAll(args map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := args[k]; !ok {
			return false
		}
	}
	return true
}
