package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wwwzy/OpsCopilot/internal/observability"
)

type traceIDKey struct{}
type recorderKey struct{}
type deltaHandlerKey struct{}
type deltaSourceKey struct{}
type callBudgetKey struct{}
type runScopeKey struct{}

// WithTraceID 将 TraceID 注入 context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// GetTraceID 从 context 获取 TraceID
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRecorder 将本次运行的 Recorder 注入 context，供 LLM 网关等下游组件记账。
func WithRecorder(ctx context.Context, rec Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, rec)
}

func RecorderFrom(ctx context.Context) Recorder {
	if v, ok := ctx.Value(recorderKey{}).(Recorder); ok {
		return v
	}
	return nil
}

// WithLogger 绑定带运行上下文字段的 logger。
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return observability.ContextWithLogger(ctx, logger)
}

// LoggerFrom 返回 context 中的 logger，没有时回退到 slog.Default()。
func LoggerFrom(ctx context.Context) *slog.Logger {
	return observability.LoggerFromContext(ctx)
}

// DeltaHandler 接收 LLM 流式输出的增量文本，source 标识产生增量的节点。
type DeltaHandler func(source, text string)

func WithDeltaHandler(ctx context.Context, h DeltaHandler) context.Context {
	return context.WithValue(ctx, deltaHandlerKey{}, h)
}

// WithDeltaSource 声明接下来的 LLM 调用希望以流式方式输出，并标记其来源。
func WithDeltaSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, deltaSourceKey{}, source)
}

// DeltaFunc 在同时存在 handler 与 source 时返回增量回调，否则返回 nil。
func DeltaFunc(ctx context.Context) func(string) {
	h, _ := ctx.Value(deltaHandlerKey{}).(DeltaHandler)
	src, _ := ctx.Value(deltaSourceKey{}).(string)
	if h == nil || src == "" {
		return nil
	}
	return func(text string) {
		if text == "" {
			return
		}
		h(src, text)
	}
}

// callBudget 是单次运行内的调用计数器。
type callBudget struct {
	maxTool  int64
	maxLLM   int64
	toolUsed atomic.Int64
	llmUsed  atomic.Int64
}

func withCallBudget(ctx context.Context, limits ExecutionLimits) context.Context {
	return context.WithValue(ctx, callBudgetKey{}, &callBudget{
		maxTool: int64(limits.MaxToolCalls),
		maxLLM:  int64(limits.MaxLLMCalls),
	})
}

// ConsumeLLMCall 占用一次 LLM 调用额度；context 中没有额度时不做限制。
func ConsumeLLMCall(ctx context.Context) error {
	b, _ := ctx.Value(callBudgetKey{}).(*callBudget)
	if b == nil {
		return nil
	}
	if b.llmUsed.Add(1) > b.maxLLM {
		return ErrLLMCallLimit
	}
	return nil
}

// ConsumeToolCall 占用一次工具调用额度。
func ConsumeToolCall(ctx context.Context) error {
	b, _ := ctx.Value(callBudgetKey{}).(*callBudget)
	if b == nil {
		return nil
	}
	if b.toolUsed.Add(1) > b.maxTool {
		return ErrToolCallLimit
	}
	return nil
}

// runScope 保存单次运行内共享的值，随 Runtime 的一次运行创建和丢弃。
type runScope struct {
	mu     sync.Mutex
	values map[any]any
}

// WithRunScope 为一次运行创建新的作用域，Runtime 在每次运行开始时调用。
func WithRunScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, runScopeKey{}, &runScope{values: map[any]any{}})
}

// RunScoped 返回本次运行中 key 对应的值，首次访问时用 init 创建。
// ctx 不属于任何运行时 ok 为 false。
func RunScoped(ctx context.Context, key any, init func() any) (value any, ok bool) {
	scope, _ := ctx.Value(runScopeKey{}).(*runScope)
	if scope == nil {
		return nil, false
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	if v, found := scope.values[key]; found {
		return v, true
	}
	v := init()
	scope.values[key] = v
	return v, true
}
