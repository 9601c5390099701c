package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/wwwzy/OpsCopilot/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Runner 是对外暴露的执行接口，单次与流式两种调用共享同一套语义。
type Runner interface {
	Run(ctx context.Context, state AgentState, opts ...RunOption) (AgentState, error)
	RunStream(ctx context.Context, state AgentState, opts ...RunOption) iter.Seq2[AgentState, error]
}

type runOptions struct {
	recorder Recorder
}

// RunOption 调整单次运行的参数。
type RunOption func(*runOptions)

// WithRunRecorder 为本次运行挂载 Recorder。
func WithRunRecorder(rec Recorder) RunOption {
	return func(o *runOptions) {
		o.recorder = rec
	}
}

// Runtime 在固定的图上执行一次运行，负责步数上限、历史合并与 Recorder 生命周期。
type Runtime struct {
	graph  *Graph
	limits ExecutionLimits
	logger *slog.Logger
}

var _ Runner = (*Runtime)(nil)

func NewRuntime(graph *Graph, limits ExecutionLimits, logger *slog.Logger) (*Runtime, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, errors.New("graph is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{graph: graph, limits: limits, logger: logger}, nil
}

func (r *Runtime) Limits() ExecutionLimits {
	return r.limits
}

// Run 消费完整个流并返回最后一个快照。
func (r *Runtime) Run(ctx context.Context, state AgentState, opts ...RunOption) (AgentState, error) {
	last := state
	for snapshot, err := range r.RunStream(ctx, state, opts...) {
		if err != nil {
			return snapshot, err
		}
		last = snapshot
	}
	return last, nil
}

// RunStream 逐节点产出状态快照。
//
// 致命错误作为最后一项的 error 产出；达到步数上限、预算耗尽、超时等可上报的情况
// 会产出一个带 Error 的终止快照，error 为 nil。
func (r *Runtime) RunStream(ctx context.Context, state AgentState, opts ...RunOption) iter.Seq2[AgentState, error] {
	return func(yield func(AgentState, error) bool) {
		var o runOptions
		for _, opt := range opts {
			opt(&o)
		}
		rec := o.recorder

		runCtx, cancel := context.WithTimeout(ctx, r.limits.ExecutionTimeout())
		defer cancel()
		runCtx = WithRunScope(withCallBudget(runCtx, r.limits))

		logger := r.logger
		if rec != nil {
			logger = logger.With("session_id", rec.SessionID(), "agent_run_id", rec.RunID())
			runCtx = WithRecorder(runCtx, rec)
		}
		runCtx = WithLogger(runCtx, logger)

		runCtx, span := otel.Tracer("opscopilot/agent").Start(runCtx, "agent.run")
		defer span.End()
		if rec != nil {
			span.SetAttributes(
				attribute.String("session_id", rec.SessionID()),
				attribute.String("agent_run_id", rec.RunID()),
			)
		}

		started := time.Now()
		status := RunStatusFailed
		outcome := "error"
		prepared := r.prepare(runCtx, state, rec)
		defer func() {
			if rec != nil {
				// 运行 context 可能已经超时，结束记录不能跟着失败。
				finishCtx := context.WithoutCancel(runCtx)
				recordBestEffort(finishCtx, "finish", func() error { return rec.Finish(finishCtx, status) })
			}
			observability.ObserveRun(status, outcome, time.Since(started))
			logger.Info("agent run finished", "status", status, "outcome", outcome,
				"elapsed_ms", time.Since(started).Milliseconds())
		}()

		last := prepared
		steps := 0
		for node := r.graph.Entry(); node != END; node = r.graph.Next(node, last) {
			if steps >= r.limits.MaxAgentSteps {
				outcome = ErrorRecursionLimit
				yield(last.WithError(ErrorRecursionLimit, fmt.Sprintf(
					"recursion limit of %d reached without hitting a stop condition", r.limits.MaxAgentSteps)), nil)
				return
			}

			next, err := r.graph.Invoke(runCtx, node, last)
			steps++
			if err != nil {
				if errType, ok := reportedError(runCtx, err); ok {
					outcome = errType
					logger.Warn("agent run stopped", "node", node, "error_type", errType, "error", err)
					yield(last.WithError(errType, err.Error()), nil)
					return
				}
				logger.Error("agent node failed", "node", node, "error", err)
				yield(last, fmt.Errorf("%s: %w", node, err))
				return
			}

			last = next
			if !yield(last, nil) {
				outcome = "abandoned"
				return
			}
		}

		outcome = "answered"
		if last.Error != nil {
			outcome = last.Error.Type
		}
		if !isLimitError(last.Error) {
			status = RunStatusCompleted
		}
	}
}

// prepare 启动 Recorder、合并历史 prompt，并清理上一轮遗留的澄清错误。
func (r *Runtime) prepare(ctx context.Context, state AgentState, rec Recorder) AgentState {
	if rec != nil {
		recordBestEffort(ctx, "start", func() error {
			return rec.Start(ctx, map[string]any{
				"limits": map[string]any{
					"max_agent_steps":       r.limits.MaxAgentSteps,
					"max_tool_calls":        r.limits.MaxToolCalls,
					"max_llm_calls":         r.limits.MaxLLMCalls,
					"max_execution_time_ms": r.limits.MaxExecutionTimeMs,
				},
			})
		})
	}

	next := state
	if state.Prompt != "" {
		history := MergePromptHistory(state.PromptHistory, state.Prompt)
		next = next.WithPromptHistory(history).WithPrompt(strings.Join(history, "\n"))
	}
	if state.Error != nil && state.Error.Type == ErrorClarificationRequired && state.Prompt != "" {
		next = next.WithoutError()
	}
	if rec != nil {
		next = next.WithRecorder(rec)
	}
	return next
}

// MergePromptHistory 在最后一条不同于 prompt 时追加，返回新切片。
func MergePromptHistory(history []string, prompt string) []string {
	out := append(make([]string, 0, len(history)+1), history...)
	if prompt == "" {
		return out
	}
	if len(out) == 0 || out[len(out)-1] != prompt {
		out = append(out, prompt)
	}
	return out
}

// reportedError 把预算、调用次数与超时类错误转换为可上报的终止类型。
func reportedError(ctx context.Context, err error) (string, bool) {
	switch {
	case errors.Is(err, ErrBudgetExceeded):
		return ErrorBudgetExceeded, true
	case errors.Is(err, ErrLLMCallLimit):
		return ErrorLLMCallLimit, true
	case errors.Is(err, ErrToolCallLimit):
		return ErrorToolCallLimit, true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrorTimeout, true
	}
	return "", false
}

func isLimitError(info *ErrorInfo) bool {
	if info == nil {
		return false
	}
	switch info.Type {
	case ErrorRecursionLimit, ErrorBudgetExceeded, ErrorLLMCallLimit, ErrorToolCallLimit, ErrorTimeout:
		return true
	}
	return false
}
