package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/wwwzy/OpsCopilot/internal/agent"
	"github.com/wwwzy/OpsCopilot/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BudgetEventLLMCall 是每次模型调用写入 budget_events 的 kind。
const BudgetEventLLMCall = "llm_call"

// Gateway 是所有模型调用的唯一出口：计数、计价、预算、校验与记账都在这里完成。
//
// 预算按运行计算：Runtime 的每次运行从零开始累计，上限取自 budget。
// 不在运行中的调用（CLI 调试、测试）直接使用 budget 本身。
type Gateway struct {
	provider Provider
	modelID  string
	costs    CostTable
	budget   *BudgetEnforcer
	ledger   *CostLedger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func NewGateway(provider Provider, modelID string, costs CostTable, budget *BudgetEnforcer) *Gateway {
	if costs == nil {
		costs = CostTable{}
	}
	if budget == nil {
		budget = NewBudgetEnforcer(1.0)
	}
	return &Gateway{
		provider: provider,
		modelID:  modelID,
		costs:    costs,
		budget:   budget,
		ledger:   NewCostLedger(),
		schemas:  map[string]*jsonschema.Schema{},
	}
}

func (g *Gateway) ModelID() string { return g.modelID }

// Budget 返回运行之外调用使用的预算，它的上限也是每次运行的上限。
func (g *Gateway) Budget() *BudgetEnforcer { return g.budget }

type runBudgetKey struct{ g *Gateway }

func (g *Gateway) budgetFor(ctx context.Context) *BudgetEnforcer {
	v, ok := agent.RunScoped(ctx, runBudgetKey{g}, func() any {
		return NewBudgetEnforcer(g.budget.State().MaxUSD)
	})
	if !ok {
		return g.budget
	}
	return v.(*BudgetEnforcer)
}

func (g *Gateway) Ledger() *CostLedger { return g.ledger }

// Call 执行一次模型调用。
//
// 顺序：占用运行内的调用额度，调用 Provider（ctx 中有增量回调且请求为文本时走流式），
// 校验结构化输出，计价并扣减预算，最后通过 Recorder 记账。
func (g *Gateway) Call(ctx context.Context, req Request) (Response, error) {
	if err := agent.ConsumeLLMCall(ctx); err != nil {
		return Response{}, err
	}
	if req.ModelID == "" {
		req.ModelID = g.modelID
	}
	rec := agent.RecorderFrom(ctx)
	if rec != nil {
		req.Tags.SessionID = rec.SessionID()
		req.Tags.AgentRunID = rec.RunID()
	}

	ctx, span := otel.Tracer("opscopilot/llm").Start(ctx, "llm.gateway.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", g.provider.Name()),
		attribute.String("model_id", req.ModelID),
		attribute.String("agent_node", req.Tags.AgentNode),
		attribute.String("session_id", req.Tags.SessionID),
		attribute.String("agent_run_id", req.Tags.AgentRunID),
	)

	logger := agent.LoggerFrom(ctx)
	logger.Debug("llm request", "node", req.Tags.AgentNode, "model", req.ModelID, "messages", len(req.Messages))

	var (
		resp Response
		err  error
	)
	if delta := agent.DeltaFunc(ctx); delta != nil && req.ResponseFormat.Type != FormatJSONSchema {
		resp, err = g.provider.InvokeStream(ctx, req, delta)
	} else {
		resp, err = g.provider.Invoke(ctx, req)
	}
	if err == nil {
		err = g.validate(req, resp)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.ObserveLLMCall(req.Tags.AgentNode, req.ModelID, "error", 0, 0, 0)
		return Response{}, fmt.Errorf("llm %s: %w", req.Tags.AgentNode, err)
	}

	cost := g.costs.EstimateCostUSD(req.ModelID, resp.TokensInput, resp.TokensOutput)
	resp.CostUSD = cost
	span.SetAttributes(
		attribute.Int("tokens_input", resp.TokensInput),
		attribute.Int("tokens_output", resp.TokensOutput),
		attribute.Float64("cost_usd", cost),
		attribute.Int64("latency_ms", resp.LatencyMs),
	)

	state, ok := g.budgetFor(ctx).TrySpend(cost)
	if !ok {
		span.SetStatus(codes.Error, agent.ErrBudgetExceeded.Error())
		observability.ObserveLLMCall(req.Tags.AgentNode, req.ModelID, "budget_exceeded", resp.TokensInput, resp.TokensOutput, 0)
		logger.Warn("llm budget exceeded", "node", req.Tags.AgentNode,
			"cost_usd", cost, "total_usd", state.TotalUSD, "max_usd", state.MaxUSD)
		return Response{}, fmt.Errorf("llm %s: %w", req.Tags.AgentNode, agent.ErrBudgetExceeded)
	}

	g.ledger.Record(CostRecord{
		SessionID:    req.Tags.SessionID,
		AgentRunID:   req.Tags.AgentRunID,
		AgentNode:    req.Tags.AgentNode,
		ModelID:      req.ModelID,
		TokensInput:  resp.TokensInput,
		TokensOutput: resp.TokensOutput,
		CostUSD:      cost,
	})
	observability.ObserveLLMCall(req.Tags.AgentNode, req.ModelID, "success", resp.TokensInput, resp.TokensOutput, cost)
	logger.Debug("llm response", "node", req.Tags.AgentNode,
		"tokens_in", resp.TokensInput, "tokens_out", resp.TokensOutput, "cost_usd", cost, "latency_ms", resp.LatencyMs)

	if rec != nil {
		g.record(ctx, rec, req, resp, state.TotalUSD)
	}
	return resp, nil
}

func (g *Gateway) record(ctx context.Context, rec agent.Recorder, req Request, resp Response, totalUSD float64) {
	logger := agent.LoggerFrom(ctx)
	err := rec.RecordLLMCall(ctx, agent.LLMCall{
		AgentNode:    req.Tags.AgentNode,
		ModelID:      req.ModelID,
		TokensInput:  resp.TokensInput,
		TokensOutput: resp.TokensOutput,
		CostUSD:      resp.CostUSD,
		LatencyMs:    resp.LatencyMs,
		Metadata:     resp.ProviderMetadata,
	})
	if err != nil {
		logger.Warn("recorder write failed", "op", "record_llm_call", "error", err)
	}
	if err := rec.RecordBudgetEvent(ctx, BudgetEventLLMCall, resp.CostUSD, totalUSD); err != nil {
		logger.Warn("recorder write failed", "op", "record_budget_event", "error", err)
	}
}

// validate 用请求携带的 JSON Schema 校验结构化输出。
func (g *Gateway) validate(req Request, resp Response) error {
	if req.ResponseFormat.Type != FormatJSONSchema || req.ResponseFormat.Schema == nil {
		return nil
	}
	compiled, err := g.compile(req.ResponseFormat.Schema)
	if err != nil {
		return fmt.Errorf("compile response schema: %w", err)
	}
	// jsonschema 需要 encoding/json 解出来的通用值
	raw, err := json.Marshal(resp.JSON)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("invalid structured output: %w", err)
	}
	return nil
}

func (g *Gateway) compile(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.schemas[key]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(fmt.Sprintf("response_%d.json", len(g.schemas)), key)
	if err != nil {
		return nil, err
	}
	g.schemas[key] = s
	return s, nil
}
