package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// CostEntry 是单个模型每千 token 的价格。
type CostEntry struct {
	ModelID     string  `json:"model_id"`
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

type CostTable map[string]CostEntry

// LoadCostTable 读取 {"models":[...]} 格式的价格表。
func LoadCostTable(path string) (CostTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cost table: %w", err)
	}
	var doc struct {
		Models []CostEntry `json:"models"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse cost table %s: %w", path, err)
	}
	table := make(CostTable, len(doc.Models))
	for _, m := range doc.Models {
		if m.ModelID == "" {
			continue
		}
		table[m.ModelID] = m
	}
	return table, nil
}

// EstimateCostUSD 未登记的模型按 0 计价。
func (t CostTable) EstimateCostUSD(modelID string, tokensIn, tokensOut int) float64 {
	entry, ok := t[modelID]
	if !ok {
		return 0
	}
	return float64(tokensIn)/1000*entry.InputPer1K + float64(tokensOut)/1000*entry.OutputPer1K
}

// BudgetState 是预算的快照。
type BudgetState struct {
	MaxUSD   float64 `json:"max_usd"`
	TotalUSD float64 `json:"total_usd"`
}

func (s BudgetState) RemainingUSD() float64 {
	if r := s.MaxUSD - s.TotalUSD; r > 0 {
		return r
	}
	return 0
}

// BudgetEnforcer 累计花费并判断是否还能继续调用，可并发使用。
type BudgetEnforcer struct {
	mu    sync.Mutex
	state BudgetState
}

func NewBudgetEnforcer(maxUSD float64) *BudgetEnforcer {
	return &BudgetEnforcer{state: BudgetState{MaxUSD: maxUSD}}
}

func (b *BudgetEnforcer) CanSpend(amount float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.TotalUSD+amount <= b.state.MaxUSD
}

func (b *BudgetEnforcer) RecordSpend(amount float64) {
	b.mu.Lock()
	b.state.TotalUSD += amount
	b.mu.Unlock()
}

// TrySpend 把判断与记账合成一步，避免并发调用同时通过 CanSpend。
func (b *BudgetEnforcer) TrySpend(amount float64) (BudgetState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.TotalUSD+amount > b.state.MaxUSD {
		return b.state, false
	}
	b.state.TotalUSD += amount
	return b.state, true
}

func (b *BudgetEnforcer) State() BudgetState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CostRecord 是一次调用的成本明细。
type CostRecord struct {
	SessionID    string
	AgentRunID   string
	AgentNode    string
	ModelID      string
	TokensInput  int
	TokensOutput int
	CostUSD      float64
}

// CostLedger 在内存中保留本进程的成本明细。
type CostLedger struct {
	mu      sync.Mutex
	records []CostRecord
}

func NewCostLedger() *CostLedger {
	return &CostLedger{}
}

func (l *CostLedger) Record(r CostRecord) {
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

func (l *CostLedger) Records() []CostRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CostRecord(nil), l.records...)
}
