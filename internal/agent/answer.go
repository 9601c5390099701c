package agent

import (
	"context"
	"fmt"
)

const DeltaSourceAnswer = "answer"

// AnswerNode 基于工具结果与检索上下文合成最终回答。
type AnswerNode struct {
	Synthesizer AnswerSynthesizer
}

func (n *AnswerNode) Run(ctx context.Context, state AgentState) (AgentState, error) {
	if state.HasError() {
		return state, nil
	}
	if n == nil || n.Synthesizer == nil {
		return state, ErrSynthesizerMissing
	}
	if state.Prompt == "" {
		return state, ErrPromptMissing
	}
	if len(state.ToolResults) == 0 && state.Rag == nil {
		return state, ErrToolResultsMissing
	}

	ragText := ""
	if state.Rag != nil {
		ragText = state.Rag.Text
	}
	answer, err := n.Synthesizer.Synthesize(
		WithDeltaSource(ctx, DeltaSourceAnswer),
		state.Prompt,
		SanitizeToolResults(state.ToolResults),
		ragText,
	)
	if err != nil {
		return state, fmt.Errorf("answer synthesis: %w", err)
	}

	next := state.WithAnswer(answer)
	if state.Rag != nil {
		next = next.WithCitations(state.Rag.Citations)
	}
	return next, nil
}

// CriticNode 目前只做占位，开启后发出 noop 事件。
type CriticNode struct{}

func (n *CriticNode) Run(ctx context.Context, state AgentState) (AgentState, error) {
	if state.HasError() {
		return state, nil
	}
	return state.WithEvent("critic.completed", map[string]any{"status": "noop"}), nil
}
