package storage

import (
	"context"
	"sort"
)

// UsageMetrics 汇总模型调用的 token 与成本。
type UsageMetrics struct {
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	TokensTotal  int     `json:"tokens_total"`
	CostUSD      float64 `json:"cost_usd"`
	LLMCallCount int     `json:"llm_call_count"`
}

// BudgetMetrics 中 TotalUSD 取最后一条预算事件的累计值。
type BudgetMetrics struct {
	TotalUSD   float64 `json:"total_usd"`
	DeltaUSD   float64 `json:"delta_usd"`
	EventCount int     `json:"event_count"`
}

type NodeUsageMetrics struct {
	AgentNode string `json:"agent_node"`
	UsageMetrics
}

type RunMetrics struct {
	Usage     UsageMetrics       `json:"usage"`
	Budget    BudgetMetrics      `json:"budget"`
	NodeUsage []NodeUsageMetrics `json:"node_usage"`
}

type SessionMetrics struct {
	Usage    UsageMetrics  `json:"usage"`
	Budget   BudgetMetrics `json:"budget"`
	RunCount int           `json:"run_count"`
}

func (u *UsageMetrics) add(call LLMCall) {
	u.TokensInput += call.TokensInput
	u.TokensOutput += call.TokensOutput
	u.TokensTotal = u.TokensInput + u.TokensOutput
	u.CostUSD += call.CostUSD
	u.LLMCallCount++
}

// RunMetrics 计算单次运行的用量；NodeUsage 按成本倒序。
func (s *Storage) RunMetrics(ctx context.Context, runID string) (RunMetrics, error) {
	calls, err := s.ListLLMCallsByRun(ctx, runID)
	if err != nil {
		return RunMetrics{}, err
	}
	events, err := s.ListBudgetEventsByRun(ctx, runID)
	if err != nil {
		return RunMetrics{}, err
	}

	var m RunMetrics
	byNode := map[string]*NodeUsageMetrics{}
	var order []string
	for _, call := range calls {
		m.Usage.add(call)
		n, ok := byNode[call.AgentNode]
		if !ok {
			n = &NodeUsageMetrics{AgentNode: call.AgentNode}
			byNode[call.AgentNode] = n
			order = append(order, call.AgentNode)
		}
		n.add(call)
	}
	m.Budget = budgetFrom(events)

	m.NodeUsage = make([]NodeUsageMetrics, 0, len(order))
	for _, name := range order {
		m.NodeUsage = append(m.NodeUsage, *byNode[name])
	}
	sort.SliceStable(m.NodeUsage, func(i, j int) bool {
		return m.NodeUsage[i].CostUSD > m.NodeUsage[j].CostUSD
	})
	return m, nil
}

// SessionMetrics 汇总会话下所有运行；Budget.TotalUSD 取最后一个有预算事件的运行。
func (s *Storage) SessionMetrics(ctx context.Context, sessionID string) (SessionMetrics, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return SessionMetrics{}, err
	}
	runs, err := s.ListRunsBySession(ctx, sessionID)
	if err != nil {
		return SessionMetrics{}, err
	}

	out := SessionMetrics{RunCount: len(runs)}
	for _, run := range runs {
		calls, err := s.ListLLMCallsByRun(ctx, run.ID)
		if err != nil {
			return SessionMetrics{}, err
		}
		for _, call := range calls {
			out.Usage.add(call)
		}
		events, err := s.ListBudgetEventsByRun(ctx, run.ID)
		if err != nil {
			return SessionMetrics{}, err
		}
		if len(events) == 0 {
			continue
		}
		b := budgetFrom(events)
		out.Budget.TotalUSD = b.TotalUSD
		out.Budget.DeltaUSD += b.DeltaUSD
		out.Budget.EventCount += b.EventCount
	}
	return out, nil
}

func budgetFrom(events []BudgetEvent) BudgetMetrics {
	if len(events) == 0 {
		return BudgetMetrics{}
	}
	b := BudgetMetrics{TotalUSD: events[len(events)-1].TotalUSD, EventCount: len(events)}
	for _, ev := range events {
		b.DeltaUSD += ev.DeltaUSD
	}
	return b
}
