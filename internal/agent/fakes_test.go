package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type toolCall struct {
	Name string
	Args map[string]any
}

type fakeToolService struct {
	tools     []Tool
	listErr   error
	responses map[string]ToolResponse
	callErr   error

	listCalls atomic.Int32
	mu        sync.Mutex
	calls     []toolCall
}

func (f *fakeToolService) ListTools(ctx context.Context) ([]Tool, error) {
	f.listCalls.Add(1)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeToolService) CallTool(ctx context.Context, name string, args map[string]any) (ToolResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolCall{Name: name, Args: args})
	f.mu.Unlock()
	if f.callErr != nil {
		return ToolResponse{}, f.callErr
	}
	if resp, ok := f.responses[name]; ok {
		return resp, nil
	}
	return ToolResponse{Status: "success", LatencyMs: 3, Result: map[string]any{"ok": true}}, nil
}

func (f *fakeToolService) Calls() []toolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolCall(nil), f.calls...)
}

type fakeRecorder struct {
	failWrites bool

	mu         sync.Mutex
	starts     int
	finishes   int
	status     string
	startCfg   map[string]any
	toolCalls  []toolCall
	llmCalls   []LLMCall
	budgetEvts []string
}

var errRecorderDown = errors.New("database is locked")

func (r *fakeRecorder) SessionID() string { return "sess-1" }
func (r *fakeRecorder) RunID() string     { return "run-1" }

func (r *fakeRecorder) Start(ctx context.Context, config map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	r.startCfg = config
	if r.failWrites {
		return errRecorderDown
	}
	return nil
}

func (r *fakeRecorder) Finish(ctx context.Context, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishes++
	r.status = status
	if r.failWrites {
		return errRecorderDown
	}
	return nil
}

func (r *fakeRecorder) RecordLLMCall(ctx context.Context, call LLMCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llmCalls = append(r.llmCalls, call)
	return nil
}

func (r *fakeRecorder) RecordBudgetEvent(ctx context.Context, kind string, deltaUSD, totalUSD float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.budgetEvts = append(r.budgetEvts, kind)
	return nil
}

func (r *fakeRecorder) RecordToolCall(ctx context.Context, toolName string, args map[string]any, response map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = append(r.toolCalls, toolCall{Name: toolName, Args: args})
	if r.failWrites {
		return errRecorderDown
	}
	return nil
}

type stubClassifier struct {
	decision ScopeDecision
	err      error
	calls    int
}

func (s *stubClassifier) Classify(ctx context.Context, prompt string, toolNames []string, ragText string) (ScopeDecision, error) {
	s.calls++
	return s.decision, s.err
}

type stubPlanGenerator struct {
	plan  *Plan
	err   error
	calls int
}

func (s *stubPlanGenerator) Plan(ctx context.Context, prompt string, toolNames []string) (*Plan, error) {
	s.calls++
	return s.plan, s.err
}

// hintClarifier 把状态槽位原样作为参数返回，模拟一个不会编造参数的模型。
type hintClarifier struct {
	result    *ClarifyResult
	question  string
	questions [][]string
	calls     int
}

func (c *hintClarifier) Clarify(ctx context.Context, state AgentState, tools []ClarifierTool) (ClarifyResult, error) {
	c.calls++
	if c.result != nil {
		return *c.result, nil
	}
	steps := make([]ClarifyStep, 0, len(state.Plan.Steps))
	for _, s := range state.Plan.Steps {
		steps = append(steps, ClarifyStep{ToolName: s.ToolName, Args: state.Hints()})
	}
	return ClarifyResult{Action: ClarifyActionProceed, Steps: steps}, nil
}

func (c *hintClarifier) GenerateClarifyQuestion(ctx context.Context, prompt string, missingFields []string) (string, error) {
	c.questions = append(c.questions, missingFields)
	return c.question, nil
}

type stubSynthesizer struct {
	answer  string
	err     error
	calls   int
	results []ToolResult
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, prompt string, results []ToolResult, ragText string) (string, error) {
	s.calls++
	s.results = results
	return s.answer, s.err
}

type stubRetriever struct {
	rag *RagContext
	err error
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string) (*RagContext, error) {
	return s.rag, s.err
}

func listPodsTool() Tool {
	return Tool{
		Name: "k8s.list_pods",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"namespace"},
			"properties": map[string]any{
				"namespace":      map[string]any{"type": "string"},
				"label_selector": map[string]any{"type": "string"},
			},
		},
	}
}

func podLogsTool() Tool {
	return Tool{
		Name: "k8s.get_pod_logs",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"namespace", "pod_name"},
			"properties": map[string]any{
				"namespace": map[string]any{"type": "string"},
				"pod_name":  map[string]any{"type": "string"},
			},
		},
	}
}
