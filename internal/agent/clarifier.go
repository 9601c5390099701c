package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	ClarifyActionProceed = "proceed"
	ClarifyActionClarify = "clarify"

	// 澄清问题的流式增量使用的来源标记。
	DeltaSourceClarifierQuestion = "clarifier_question"
)

// ClarifierNode 按工具 schema 校验并修正计划参数，信息不足时终止并向用户追问。
type ClarifierNode struct {
	Clarifier Clarifier
}

func (n *ClarifierNode) Run(ctx context.Context, state AgentState) (AgentState, error) {
	if state.HasError() || n == nil || n.Clarifier == nil {
		return state, nil
	}
	if state.Plan == nil || len(state.Plan.Steps) == 0 {
		return state, nil
	}

	tools := plannedTools(state)
	result, err := n.Clarifier.Clarify(ctx, state, clarifierPayload(tools))
	if err != nil {
		return state, fmt.Errorf("clarifier: %w", err)
	}

	if result.Action == ClarifyActionClarify {
		question := strings.TrimSpace(result.ClarifyQuestion)
		if question == "" {
			return state, ErrClarifyQuestionMissing
		}
		return clarificationRequired(state, question), nil
	}

	if len(result.MissingFields) > 0 {
		question := strings.TrimSpace(result.ClarifyQuestion)
		if question == "" {
			question, err = n.generateQuestion(ctx, state, result.MissingFields)
			if err != nil {
				return state, err
			}
		}
		return clarificationRequired(state, question), nil
	}

	steps := make([]PlanStep, 0, len(result.Steps))
	for _, item := range result.Steps {
		if item.ToolName == "" || item.Args == nil {
			continue
		}
		steps = append(steps, PlanStep{StepID: uuid.NewString(), ToolName: item.ToolName, Args: item.Args})
	}
	if len(steps) == 0 {
		question, err := n.generateQuestion(ctx, state, result.MissingFields)
		if err != nil {
			return state, err
		}
		return clarificationRequired(state, question), nil
	}

	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	for _, step := range steps {
		tool, ok := byName[step.ToolName]
		if !ok {
			question, err := n.generateQuestion(ctx, state, nil)
			if err != nil {
				return state, err
			}
			return clarificationRequired(state, question), nil
		}
		if missing := missingRequired(tool.InputSchema, step.Args); len(missing) > 0 {
			question, err := n.generateQuestion(ctx, state, missing)
			if err != nil {
				return state, err
			}
			return clarificationRequired(state, question), nil
		}
		if extra := unknownArgs(tool.InputSchema, step.Args); len(extra) > 0 {
			question, err := n.generateQuestion(ctx, state, extra)
			if err != nil {
				return state, err
			}
			return clarificationRequired(state, question), nil
		}
	}

	return state.
		WithPlan(&Plan{Steps: steps}).
		WithEvent("clarifier.completed", map[string]any{"steps": len(steps)}), nil
}

// generateQuestion 生成追问；空文本视为致命错误，没有问题的澄清对用户不可用。
func (n *ClarifierNode) generateQuestion(ctx context.Context, state AgentState, fields []string) (string, error) {
	if fields == nil {
		fields = []string{}
	}
	question, err := n.Clarifier.GenerateClarifyQuestion(
		WithDeltaSource(ctx, DeltaSourceClarifierQuestion), state.Prompt, fields)
	if err != nil {
		return "", fmt.Errorf("generate clarify question: %w", err)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrClarifyQuestionEmpty
	}
	return question, nil
}

func clarificationRequired(state AgentState, question string) AgentState {
	return state.
		WithEvent("clarifier.clarification_required", map[string]any{"question": question}).
		WithError(ErrorClarificationRequired, question)
}

// plannedTools 只保留计划中出现过的工具。
func plannedTools(state AgentState) []Tool {
	planned := map[string]struct{}{}
	for _, s := range state.Plan.Steps {
		planned[s.ToolName] = struct{}{}
	}
	out := make([]Tool, 0, len(planned))
	for _, t := range state.Tools {
		if _, ok := planned[t.Name]; ok {
			out = append(out, t)
		}
	}
	return out
}

func clarifierPayload(tools []Tool) []ClarifierTool {
	out := make([]ClarifierTool, 0, len(tools))
	for _, t := range tools {
		required := []any{}
		properties := map[string]any{}
		if t.InputSchema != nil {
			switch r := t.InputSchema["required"].(type) {
			case []any:
				required = r
			case []string:
				for _, f := range r {
					required = append(required, f)
				}
			}
			if p, ok := t.InputSchema["properties"].(map[string]any); ok {
				properties = p
			}
		}
		out = append(out, ClarifierTool{
			Name: t.Name,
			InputSchema: map[string]any{
				"required":   required,
				"properties": properties,
			},
		})
	}
	return out
}

func missingRequired(schema map[string]any, args map[string]any) []string {
	seen := map[string]struct{}{}
	var missing []string
	for _, f := range RequiredFields(schema) {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		if _, ok := args[f]; !ok {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

func unknownArgs(schema map[string]any, args map[string]any) []string {
	allowed := PropertyNames(schema)
	var extra []string
	for k := range args {
		if _, ok := allowed[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}
