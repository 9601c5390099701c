package agent

import "errors"

// 写入 AgentState.Error 的错误类型。
const (
	ErrorOutOfScope            = "out_of_scope"
	ErrorClarificationRequired = "clarification_required"
	ErrorRecursionLimit        = "recursion_limit"
	ErrorPlanner               = "planner_error"
	ErrorBudgetExceeded        = "budget_exceeded"
	ErrorLLMCallLimit          = "llm_call_limit"
	ErrorToolCallLimit         = "tool_call_limit"
	ErrorTimeout               = "timeout"
	ErrorRuntime               = "runtime_error"
)

// 节点直接返回的致命错误，会中断运行并交给调用方处理。
var (
	ErrPlanMissing             = errors.New("plan_missing")
	ErrSynthesizerMissing      = errors.New("answer_synthesizer_missing")
	ErrPromptMissing           = errors.New("prompt required")
	ErrToolResultsMissing      = errors.New("tool_results required")
	ErrClarifyQuestionMissing  = errors.New("clarifier question missing")
	ErrClarifyQuestionEmpty    = errors.New("clarify question generation returned empty text")
	ErrToolServiceNotAvailable = errors.New("tool service not configured")
)

// 超出预算或调用额度时返回，Runtime 会把它们转换为可上报的终止状态。
var (
	ErrBudgetExceeded = errors.New("budget_exceeded")
	ErrLLMCallLimit   = errors.New("llm_call_limit")
	ErrToolCallLimit  = errors.New("tool_call_limit")
)
