package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 运行期指标，注册在 prometheus 默认 registry 上，由 /metrics 暴露。
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opscopilot_agent_runs_total",
		Help: "Agent runs by final status and outcome type.",
	}, []string{"status", "outcome"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opscopilot_agent_run_duration_seconds",
		Help:    "Wall time of agent runs.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"status"})

	nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opscopilot_agent_node_duration_seconds",
		Help:    "Wall time of a single graph node invocation.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"node"})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opscopilot_tool_calls_total",
		Help: "Tool calls by tool name and result status.",
	}, []string{"tool_name", "result_status"})

	toolCallErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opscopilot_tool_call_errors_total",
		Help: "Tool calls that did not return status=success.",
	}, []string{"tool_name"})

	toolCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opscopilot_tool_call_latency_ms",
		Help:    "Tool call latency reported by the tool service.",
		Buckets: []float64{5, 10, 50, 100, 250, 500, 1000, 3000, 10000},
	}, []string{"tool_name"})

	llmCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opscopilot_llm_calls_total",
		Help: "LLM calls by agent node, model and status.",
	}, []string{"agent_node", "model", "status"})

	llmTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opscopilot_llm_tokens_total",
		Help: "Tokens consumed by agent node, model and direction.",
	}, []string{"agent_node", "model", "type"})

	llmCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opscopilot_llm_cost_usd_total",
		Help: "Estimated LLM spend in USD.",
	}, []string{"model"})

	streamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opscopilot_stream_events_total",
		Help: "Client-facing stream events by type.",
	}, []string{"type"})
)

func ObserveRun(status, outcome string, d time.Duration) {
	runsTotal.WithLabelValues(status, outcome).Inc()
	runDuration.WithLabelValues(status).Observe(d.Seconds())
}

func ObserveNode(node string, d time.Duration) {
	nodeDuration.WithLabelValues(node).Observe(d.Seconds())
}

func ObserveToolCall(tool, status string, latencyMs int64) {
	if status == "" {
		status = "unknown"
	}
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallLatency.WithLabelValues(tool).Observe(float64(latencyMs))
	if status != "success" {
		toolCallErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func ObserveLLMCall(node, model, status string, tokensIn, tokensOut int, costUSD float64) {
	llmCallsTotal.WithLabelValues(node, model, status).Inc()
	if tokensIn > 0 {
		llmTokensTotal.WithLabelValues(node, model, "input").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		llmTokensTotal.WithLabelValues(node, model, "output").Add(float64(tokensOut))
	}
	if costUSD > 0 {
		llmCostUSD.WithLabelValues(model).Add(costUSD)
	}
}

func ObserveStreamEvent(eventType string) {
	streamEventsTotal.WithLabelValues(eventType).Inc()
}
