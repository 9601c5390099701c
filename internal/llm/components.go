package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/wwwzy/OpsCopilot/internal/agent"
)

const (
	defaultMaxTokens = 256
	scopeMaxTokens   = 128
)

var ErrAnswerMissing = errors.New("answer missing")

func scopeSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"allowed":  map[string]any{"type": "boolean"},
			"response": map[string]any{"type": "string"},
		},
		"required": []any{"allowed", "response"},
	}
}

func planSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"steps": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"tool_name": map[string]any{"type": "string"},
					},
					"required": []any{"tool_name"},
				},
			},
		},
		"required": []any{"steps"},
	}
}

func clarifierSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{"type": "string", "enum": []any{agent.ClarifyActionProceed, agent.ClarifyActionClarify}},
			"steps": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"tool_name": map[string]any{"type": "string"},
						"args":      map[string]any{"type": "object"},
					},
					"required": []any{"tool_name", "args"},
				},
			},
			"clarify_question": map[string]any{"type": "string"},
			"missing_fields": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"action"},
	}
}

func answerSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"answer": map[string]any{"type": "string"},
		},
		"required": []any{"answer"},
	}
}

func jsonRequest(node string, maxTokens int, schema map[string]any) Request {
	return Request{
		ResponseFormat: ResponseFormat{Type: FormatJSONSchema, Schema: schema},
		Temperature:    0,
		MaxTokens:      maxTokens,
		IdempotencyKey: uuid.NewString(),
		Tags:           Tags{AgentNode: node},
	}
}

func textRequest(node string, maxTokens int) Request {
	return Request{
		ResponseFormat: ResponseFormat{Type: FormatText},
		Temperature:    0,
		MaxTokens:      maxTokens,
		IdempotencyKey: uuid.NewString(),
		Tags:           Tags{AgentNode: node},
	}
}

// decodeJSON 把已校验过的输出映射到结构体。
func decodeJSON(out map[string]any, v any) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ScopeClassifier 用模型判断请求是否属于工具或知识库可回答的范围。
type ScopeClassifier struct {
	gw *Gateway
}

func NewScopeClassifier(gw *Gateway) *ScopeClassifier {
	return &ScopeClassifier{gw: gw}
}

func (c *ScopeClassifier) Classify(ctx context.Context, prompt string, toolNames []string, ragText string) (agent.ScopeDecision, error) {
	payload := map[string]any{"prompt": prompt, "tools": toolNames}
	if ragText != "" {
		payload["rag_context"] = ragText
	}
	req := jsonRequest("scope", scopeMaxTokens, scopeSchema())
	msgs, err := renderJSON(ctx, scopeTemplate, payload)
	if err != nil {
		return agent.ScopeDecision{}, err
	}
	req.Messages = msgs

	resp, err := c.gw.Call(ctx, req)
	if err != nil {
		return agent.ScopeDecision{}, err
	}
	var out struct {
		Allowed  bool   `json:"allowed"`
		Response string `json:"response"`
	}
	if err := decodeJSON(resp.JSON, &out); err != nil {
		return agent.ScopeDecision{}, fmt.Errorf("decode scope output: %w", err)
	}
	return agent.ScopeDecision{Allowed: out.Allowed, Response: out.Response}, nil
}

// Planner 只让模型挑选工具名，参数一律留空，交给澄清节点按 schema 补齐。
type Planner struct {
	gw *Gateway
}

func NewPlanner(gw *Gateway) *Planner {
	return &Planner{gw: gw}
}

func (p *Planner) Plan(ctx context.Context, prompt string, toolNames []string) (*agent.Plan, error) {
	req := jsonRequest(agent.NodePlanner, defaultMaxTokens, planSchema())
	msgs, err := renderJSON(ctx, plannerTemplate, map[string]any{"prompt": prompt, "tools": toolNames})
	if err != nil {
		return nil, err
	}
	req.Messages = msgs

	resp, err := p.gw.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	var out struct {
		Steps []struct {
			ToolName string `json:"tool_name"`
		} `json:"steps"`
	}
	if err := decodeJSON(resp.JSON, &out); err != nil {
		return nil, fmt.Errorf("decode plan output: %w", err)
	}

	plan := &agent.Plan{Steps: []agent.PlanStep{}}
	for _, s := range out.Steps {
		if s.ToolName == "" {
			continue
		}
		plan.Steps = append(plan.Steps, agent.PlanStep{
			StepID:   uuid.NewString(),
			ToolName: s.ToolName,
			Args:     map[string]any{},
		})
	}
	return plan, nil
}

// Clarifier 让模型按工具 schema 规范化参数，缺失信息时返回追问。
type Clarifier struct {
	gw *Gateway
}

func NewClarifier(gw *Gateway) *Clarifier {
	return &Clarifier{gw: gw}
}

func (c *Clarifier) Clarify(ctx context.Context, state agent.AgentState, tools []agent.ClarifierTool) (agent.ClarifyResult, error) {
	if state.Plan == nil {
		return agent.ClarifyResult{}, agent.ErrPlanMissing
	}
	payload := map[string]any{
		"prompt":  state.Prompt,
		"context": state.Hints(),
		"plan":    state.Plan,
		"tools":   tools,
	}
	req := jsonRequest(agent.NodeClarifier, defaultMaxTokens, clarifierSchema())
	msgs, err := renderJSON(ctx, clarifierTemplate, payload)
	if err != nil {
		return agent.ClarifyResult{}, err
	}
	req.Messages = msgs

	resp, err := c.gw.Call(ctx, req)
	if err != nil {
		return agent.ClarifyResult{}, err
	}
	return parseClarifyOutput(resp.JSON), nil
}

// parseClarifyOutput 宽松解析：args 不是对象时保留为 nil，由节点丢弃该步骤。
func parseClarifyOutput(out map[string]any) agent.ClarifyResult {
	result := agent.ClarifyResult{}
	result.Action, _ = out["action"].(string)
	result.ClarifyQuestion, _ = out["clarify_question"].(string)

	if items, ok := out["steps"].([]any); ok {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["tool_name"].(string)
			args, _ := m["args"].(map[string]any)
			result.Steps = append(result.Steps, agent.ClarifyStep{ToolName: name, Args: args})
		}
	}
	if fields, ok := out["missing_fields"].([]any); ok {
		for _, f := range fields {
			if s, ok := f.(string); ok && s != "" {
				result.MissingFields = append(result.MissingFields, s)
			}
		}
	}
	return result
}

func (c *Clarifier) GenerateClarifyQuestion(ctx context.Context, prompt string, missingFields []string) (string, error) {
	req := textRequest(agent.NodeClarifier, scopeMaxTokens)
	msgs, err := renderJSON(ctx, clarifyQuestionTemplate, map[string]any{
		"prompt":         prompt,
		"missing_fields": missingFields,
	})
	if err != nil {
		return "", err
	}
	req.Messages = msgs

	resp, err := c.gw.Call(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// AnswerSynthesizer 根据工具结果生成最终回答。
//
// 有增量回调时改用纯文本输出并流式返回，否则要求 {"answer": ...} 结构。
type AnswerSynthesizer struct {
	gw *Gateway
}

func NewAnswerSynthesizer(gw *Gateway) *AnswerSynthesizer {
	return &AnswerSynthesizer{gw: gw}
}

func (a *AnswerSynthesizer) Synthesize(ctx context.Context, prompt string, results []agent.ToolResult, ragText string) (string, error) {
	streaming := agent.DeltaFunc(ctx) != nil
	req := jsonRequest(agent.NodeAnswer, defaultMaxTokens, answerSchema())
	if streaming {
		req = textRequest(agent.NodeAnswer, defaultMaxTokens)
	}
	msgs, err := renderText(ctx, answerTemplate, answerUserContent(prompt, results, ragText))
	if err != nil {
		return "", err
	}
	req.Messages = msgs

	resp, err := a.gw.Call(ctx, req)
	if err != nil {
		return "", err
	}

	answer := strings.TrimSpace(resp.Text)
	if !streaming {
		answer, _ = resp.JSON["answer"].(string)
	}
	if answer == "" {
		return "", ErrAnswerMissing
	}
	return answer, nil
}

func answerUserContent(prompt string, results []agent.ToolResult, ragText string) string {
	var b strings.Builder
	b.WriteString("Prompt: ")
	b.WriteString(prompt)
	if ragText != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(ragText)
	}
	b.WriteString("\n\nTool results:\n")
	b.WriteString(toolSummary(results))
	return b.String()
}

func toolSummary(results []agent.ToolResult) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		raw, err := json.Marshal(r.Result)
		if err != nil {
			raw = []byte(fmt.Sprint(r.Result))
		}
		lines = append(lines, fmt.Sprintf("tool=%s result=%s", r.ToolName, raw))
	}
	return strings.Join(lines, "\n")
}

var (
	_ agent.ScopeClassifier   = (*ScopeClassifier)(nil)
	_ agent.PlanGenerator     = (*Planner)(nil)
	_ agent.Clarifier         = (*Clarifier)(nil)
	_ agent.AnswerSynthesizer = (*AnswerSynthesizer)(nil)
)
