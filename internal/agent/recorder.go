package agent

import "context"

// 运行结束时写入 Recorder 的状态。
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// LLMCall 描述一次已完成的模型调用，用于审计与成本统计。
type LLMCall struct {
	AgentNode    string
	ModelID      string
	TokensInput  int
	TokensOutput int
	CostUSD      float64
	LatencyMs    int64
	Metadata     map[string]any
}

// Recorder 持久化一次运行的生命周期与过程记录。
//
// 每个方法对应一次短事务；实现方需要保证 Finish 对未知的运行是 no-op。
type Recorder interface {
	SessionID() string
	RunID() string

	Start(ctx context.Context, config map[string]any) error
	Finish(ctx context.Context, status string) error
	RecordLLMCall(ctx context.Context, call LLMCall) error
	RecordBudgetEvent(ctx context.Context, kind string, deltaUSD, totalUSD float64) error
	RecordToolCall(ctx context.Context, toolName string, args map[string]any, response map[string]any) error
}

// recordBestEffort 执行一次记录操作，失败只打日志，不影响运行。
func recordBestEffort(ctx context.Context, op string, fn func() error) {
	if err := fn(); err != nil {
		LoggerFrom(ctx).Warn("recorder write failed", "op", op, "error", err)
	}
}
