package agent

import (
	"context"
	"fmt"
)

const defaultOutOfScopeResponse = "This request is outside the supported scope."

// ScopeCheckNode 在规划之前判断请求是否可回答，不可回答时直接给出拒绝答复并终止。
type ScopeCheckNode struct {
	Classifier ScopeClassifier
	Retriever  Retriever
}

func (n *ScopeCheckNode) Run(ctx context.Context, state AgentState) (AgentState, error) {
	if state.HasError() || n == nil || n.Classifier == nil || state.Prompt == "" {
		return state, nil
	}

	// 检索失败不影响分类，只是没有额外上下文。
	rag := state.Rag
	if rag == nil {
		rag = retrieveOptional(ctx, n.Retriever, state.Prompt, "scope_check")
	}
	ragText := ""
	if rag != nil {
		ragText = rag.Text
	}

	decision, err := n.Classifier.Classify(WithDeltaSource(ctx, "scope"), state.Prompt, state.ToolNames(), ragText)
	if err != nil {
		return state, fmt.Errorf("scope check: %w", err)
	}

	response := decision.Response
	if response == "" {
		response = defaultOutOfScopeResponse
	}
	if !decision.Allowed {
		return state.
			WithAnswer(response).
			WithEvent("scope_check.rejected", map[string]any{"response": response}).
			WithError(ErrorOutOfScope, response), nil
	}

	next := state
	if state.Rag == nil && rag != nil {
		next = next.WithRag(rag)
	}
	return next.WithEvent("scope_check.completed", map[string]any{"response": response}), nil
}

func retrieveOptional(ctx context.Context, r Retriever, query, node string) *RagContext {
	if r == nil || query == "" {
		return nil
	}
	rag, err := r.Retrieve(ctx, query)
	if err != nil {
		LoggerFrom(ctx).Info("rag retrieval skipped", "node", node, "error", err)
		return nil
	}
	return rag
}
