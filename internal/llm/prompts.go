package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// 各节点的系统提示词。模板使用 FString 渲染，提示词正文中不能出现花括号。
const (
	scopeSystemPrompt = "You are a strict scope guard for an agent that can answer using tools " +
		"or using retrieved knowledge base context when provided. " +
		"If the prompt is not about the available tools and no relevant context is provided, " +
		"set allowed=false and provide a short response explaining it only handles tool-based " +
		"or knowledge-base requests. " +
		"Use rag_context only to determine if the topic is in scope. " +
		"Do not infer concrete runtime facts or resource names from rag_context. " +
		"Keep response generic and capability-focused."

	plannerSystemPrompt = "You are a planning system that returns tool steps as JSON. " +
		"Only use tool names from the provided list. " +
		"If no tool is needed, return an empty steps array."

	clarifierSystemPrompt = "You normalize tool arguments to match the tool schemas exactly. " +
		"Never return null for required arguments. " +
		"If any required argument is missing or unknown, set action=clarify and include " +
		"a clear clarify_question and a missing_fields list naming the required fields. " +
		"Use any provided context fields as already-known values to fill required arguments. " +
		"Only include arguments that exist in the tool's input_schema; do not invent keys. " +
		"Do not guess missing values. " +
		"Do not use any external knowledge or RAG context; only use the prompt and context fields."

	clarifyQuestionSystemPrompt = "You write one short follow-up question for an operations assistant. " +
		"Ask the user only for the listed missing fields. " +
		"If no fields are listed, ask the user to rephrase the request with more detail. " +
		"Reply with the question only."

	answerSystemPrompt = "Return a concise answer grounded only in tool results."
)

// payloadTemplate 构造 system + user 两条消息的模板，user 消息内容由 {payload} 填充。
func payloadTemplate(system string) prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(system),
		schema.UserMessage("{payload}"),
	)
}

var (
	scopeTemplate           = payloadTemplate(scopeSystemPrompt)
	plannerTemplate         = payloadTemplate(plannerSystemPrompt)
	clarifierTemplate       = payloadTemplate(clarifierSystemPrompt)
	clarifyQuestionTemplate = payloadTemplate(clarifyQuestionSystemPrompt)
	answerTemplate          = payloadTemplate(answerSystemPrompt)
)

// renderJSON 把 payload 序列化后填入模板。
func renderJSON(ctx context.Context, tpl prompt.ChatTemplate, payload any) ([]*schema.Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode prompt payload: %w", err)
	}
	return renderText(ctx, tpl, string(raw))
}

func renderText(ctx context.Context, tpl prompt.ChatTemplate, text string) ([]*schema.Message, error) {
	msgs, err := tpl.Format(ctx, map[string]any{"payload": text})
	if err != nil {
		return nil, fmt.Errorf("format prompt: %w", err)
	}
	return msgs, nil
}
