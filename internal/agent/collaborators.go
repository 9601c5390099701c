package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolService 是外部工具服务的客户端。
type ToolService interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (ToolResponse, error)
}

type ToolError struct {
	Message string `json:"message"`
}

// ToolResponse 是一次工具调用的结构化返回。
type ToolResponse struct {
	Status    string     `json:"status"`
	LatencyMs int64      `json:"latency_ms"`
	Result    any        `json:"result,omitempty"`
	Truncated bool       `json:"truncated,omitempty"`
	Error     *ToolError `json:"error,omitempty"`
}

// AsMap 转成写入 ToolResult.Result 的形态。
func (r ToolResponse) AsMap() map[string]any {
	status := r.Status
	if status == "" {
		status = "unknown"
	}
	out := map[string]any{
		"status":     status,
		"latency_ms": r.LatencyMs,
		"truncated":  r.Truncated,
		"result":     plainJSON(r.Result),
	}
	if r.Error != nil {
		out["error"] = map[string]any{"message": r.Error.Message}
	}
	return out
}

// plainJSON 把本地工具返回的结构体转换为 encoding/json 的通用值，裁剪与落库只处理这种形态。
func plainJSON(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// Retriever 根据查询返回检索上下文；失败时调用方会忽略并继续。
type Retriever interface {
	Retrieve(ctx context.Context, query string) (*RagContext, error)
}

type ScopeDecision struct {
	Allowed  bool
	Response string
}

// ScopeClassifier 判断请求是否在可支持范围内。
type ScopeClassifier interface {
	Classify(ctx context.Context, prompt string, toolNames []string, ragText string) (ScopeDecision, error)
}

// PlanGenerator 由 LLM 生成计划，只给出工具名，不信任参数。
type PlanGenerator interface {
	Plan(ctx context.Context, prompt string, toolNames []string) (*Plan, error)
}

// ClarifierTool 是发给澄清模型的工具描述。
type ClarifierTool struct {
	Name        string         `json:"name"`
	InputSchema map[string]any `json:"input_schema"`
}

type ClarifyStep struct {
	ToolName string
	// Args 为 nil 表示模型返回的 args 不是对象。
	Args map[string]any
}

type ClarifyResult struct {
	Action          string
	Steps           []ClarifyStep
	ClarifyQuestion string
	MissingFields   []string
}

// Clarifier 规范化计划参数，并在信息不足时生成追问。
type Clarifier interface {
	Clarify(ctx context.Context, state AgentState, tools []ClarifierTool) (ClarifyResult, error)
	GenerateClarifyQuestion(ctx context.Context, prompt string, missingFields []string) (string, error)
}

// AnswerSynthesizer 根据工具结果与检索上下文生成最终回答。
type AnswerSynthesizer interface {
	Synthesize(ctx context.Context, prompt string, results []ToolResult, ragText string) (string, error)
}
