package agent

import (
	"fmt"
	"time"
)

// ExecutionLimits 约束一次运行的步数、工具调用、LLM 调用与总耗时。
type ExecutionLimits struct {
	MaxAgentSteps      int `mapstructure:"max_agent_steps" json:"max_agent_steps"`
	MaxToolCalls       int `mapstructure:"max_tool_calls" json:"max_tool_calls"`
	MaxLLMCalls        int `mapstructure:"max_llm_calls" json:"max_llm_calls"`
	MaxExecutionTimeMs int `mapstructure:"max_execution_time_ms" json:"max_execution_time_ms"`
}

// LimitsError 表示限额配置不合法。
type LimitsError struct {
	Field string
}

func (e *LimitsError) Error() string {
	return fmt.Sprintf("%s must be positive", e.Field)
}

func DefaultLimits() ExecutionLimits {
	return ExecutionLimits{
		MaxAgentSteps:      10,
		MaxToolCalls:       10,
		MaxLLMCalls:        10,
		MaxExecutionTimeMs: 30000,
	}
}

// NewExecutionLimits 构造并校验限额。
func NewExecutionLimits(maxSteps, maxToolCalls, maxLLMCalls, maxExecutionTimeMs int) (ExecutionLimits, error) {
	l := ExecutionLimits{
		MaxAgentSteps:      maxSteps,
		MaxToolCalls:       maxToolCalls,
		MaxLLMCalls:        maxLLMCalls,
		MaxExecutionTimeMs: maxExecutionTimeMs,
	}
	if err := l.Validate(); err != nil {
		return ExecutionLimits{}, err
	}
	return l, nil
}

func (l ExecutionLimits) Validate() error {
	if l.MaxAgentSteps <= 0 {
		return &LimitsError{Field: "max_agent_steps"}
	}
	if l.MaxToolCalls <= 0 {
		return &LimitsError{Field: "max_tool_calls"}
	}
	if l.MaxLLMCalls <= 0 {
		return &LimitsError{Field: "max_llm_calls"}
	}
	if l.MaxExecutionTimeMs <= 0 {
		return &LimitsError{Field: "max_execution_time_ms"}
	}
	return nil
}

func (l ExecutionLimits) ExecutionTimeout() time.Duration {
	return time.Duration(l.MaxExecutionTimeMs) * time.Millisecond
}
