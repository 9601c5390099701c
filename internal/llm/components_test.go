package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/OpsCopilot/internal/agent"
)

func TestScopeClassifier(t *testing.T) {
	provider := &fakeProvider{text: `{"allowed": false, "response": "I only handle cluster questions."}`}
	c := NewScopeClassifier(NewGateway(provider, "m-1", nil, nil))

	decision, err := c.Classify(context.Background(), "write a poem", []string{"k8s.list_pods"}, "")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "I only handle cluster questions.", decision.Response)

	req := provider.requests[0]
	assert.Equal(t, scopeMaxTokens, req.MaxTokens)
	assert.Equal(t, "scope", req.Tags.AgentNode)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, schema.System, req.Messages[0].Role)
	assert.Equal(t, scopeSystemPrompt, req.Messages[0].Content)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Messages[1].Content), &payload))
	assert.Equal(t, "write a poem", payload["prompt"])
	_, hasRag := payload["rag_context"]
	assert.False(t, hasRag)
}

func TestPlanner_AssignsStepIDsAndEmptyArgs(t *testing.T) {
	provider := &fakeProvider{text: `{"steps":[{"tool_name":"k8s.list_pods"},{"tool_name":""},{"tool_name":"k8s.get_pod_logs"}]}`}
	p := NewPlanner(NewGateway(provider, "m-1", nil, nil))

	plan, err := p.Plan(context.Background(), "why is web failing", []string{"k8s.list_pods", "k8s.get_pod_logs"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	for _, s := range plan.Steps {
		_, err := uuid.Parse(s.StepID)
		assert.NoError(t, err)
		assert.Equal(t, map[string]any{}, s.Args)
	}
	assert.Equal(t, "k8s.get_pod_logs", plan.Steps[1].ToolName)

	provider.text = `{"steps":[]}`
	plan, err = p.Plan(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Steps)
}

func TestClarifier_ParsesLoosely(t *testing.T) {
	provider := &fakeProvider{text: `{
		"action": "proceed",
		"steps": [
			{"tool_name": "k8s.list_pods", "args": {"namespace": "default"}},
			{"tool_name": "k8s.get_pod_logs", "args": "pod=web-1"}
		],
		"missing_fields": ["pod_name", 3]
	}`}
	c := NewClarifier(NewGateway(provider, "m-1", nil, nil))
	state := agent.AgentState{
		Prompt:    "logs for web",
		Namespace: "default",
		Plan:      &agent.Plan{Steps: []agent.PlanStep{{StepID: "a", ToolName: "k8s.list_pods", Args: map[string]any{}}}},
	}

	_, err := c.Clarify(context.Background(), state, nil)
	// args 为字符串，不满足 schema
	require.Error(t, err)

	provider.text = `{"action":"proceed","steps":[{"tool_name":"k8s.list_pods","args":{"namespace":"default"}}],"missing_fields":["pod_name"]}`
	result, err := c.Clarify(context.Background(), state, nil)
	require.NoError(t, err)
	assert.Equal(t, agent.ClarifyActionProceed, result.Action)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, map[string]any{"namespace": "default"}, result.Steps[0].Args)
	assert.Equal(t, []string{"pod_name"}, result.MissingFields)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(provider.requests[1].Messages[1].Content), &payload))
	assert.Equal(t, map[string]any{"namespace": "default"}, payload["context"])

	_, err = c.Clarify(context.Background(), agent.AgentState{Prompt: "x"}, nil)
	assert.ErrorIs(t, err, agent.ErrPlanMissing)
}

func TestParseClarifyOutput_NonObjectArgs(t *testing.T) {
	got := parseClarifyOutput(map[string]any{
		"action": "proceed",
		"steps":  []any{map[string]any{"tool_name": "k8s.list_pods", "args": "nope"}, "junk"},
	})
	require.Len(t, got.Steps, 1)
	assert.Nil(t, got.Steps[0].Args)
}

func TestClarifier_GenerateQuestion(t *testing.T) {
	provider := &fakeProvider{text: "  Which pod should I look at?\n"}
	c := NewClarifier(NewGateway(provider, "m-1", nil, nil))

	q, err := c.GenerateClarifyQuestion(context.Background(), "show logs", []string{"pod_name"})
	require.NoError(t, err)
	assert.Equal(t, "Which pod should I look at?", q)
	assert.Equal(t, FormatText, provider.requests[0].ResponseFormat.Type)
}

func TestAnswerSynthesizer(t *testing.T) {
	provider := &fakeProvider{text: `{"answer":"web-1 is crash looping"}`}
	a := NewAnswerSynthesizer(NewGateway(provider, "m-1", nil, nil))
	results := []agent.ToolResult{{StepID: "1", ToolName: "k8s.list_pods", Result: map[string]any{"status": "success"}}}

	answer, err := a.Synthesize(context.Background(), "what is wrong", results, "[runbook.md] check restarts")
	require.NoError(t, err)
	assert.Equal(t, "web-1 is crash looping", answer)
	assert.Equal(t,
		"Prompt: what is wrong\n\nContext:\n[runbook.md] check restarts\n\nTool results:\ntool=k8s.list_pods result={\"status\":\"success\"}",
		provider.requests[0].Messages[1].Content)

	provider.text = `{"answer":""}`
	_, err = a.Synthesize(context.Background(), "what is wrong", results, "")
	assert.ErrorIs(t, err, ErrAnswerMissing)
}

func TestAnswerSynthesizer_Streams(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"All ", "pods ", "healthy."}}
	a := NewAnswerSynthesizer(NewGateway(provider, "m-1", nil, nil))

	var deltas []string
	ctx := agent.WithDeltaHandler(context.Background(), func(source, text string) {
		deltas = append(deltas, text)
	})
	ctx = agent.WithDeltaSource(ctx, agent.DeltaSourceAnswer)

	answer, err := a.Synthesize(ctx, "status?", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "All pods healthy.", answer)
	assert.Equal(t, []string{"All ", "pods ", "healthy."}, deltas)
	assert.Equal(t, FormatText, provider.requests[0].ResponseFormat.Type)
}
