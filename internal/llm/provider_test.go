package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatModel struct {
	reply  *schema.Message
	chunks []*schema.Message
	input  []*schema.Message
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.input = input
	return m.reply, nil
}

func (m *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.input = input
	return schema.StreamReaderFromArray(m.chunks), nil
}

func TestEinoProvider_Invoke(t *testing.T) {
	m := &fakeChatModel{reply: &schema.Message{
		Role:    schema.Assistant,
		Content: "```json\n{\"answer\":\"ok\"}\n```",
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: "stop",
			Usage:        &schema.TokenUsage{PromptTokens: 12, CompletionTokens: 4},
		},
	}}
	p := NewEinoProvider("ark", m)
	req := jsonRequest("answer", 64, answerSchema())
	req.Messages = []*schema.Message{schema.UserMessage("hi")}

	resp, err := p.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.JSON["answer"])
	assert.Equal(t, 12, resp.TokensInput)
	assert.Equal(t, 4, resp.TokensOutput)
	assert.Equal(t, "stop", resp.ProviderMetadata["finish_reason"])
	assert.Len(t, m.input, 1)
}

func TestEinoProvider_InvokeStream(t *testing.T) {
	m := &fakeChatModel{chunks: []*schema.Message{
		{Role: schema.Assistant, Content: "web-1 "},
		{Role: schema.Assistant, Content: "restarted"},
		{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 7, CompletionTokens: 2}}},
	}}
	p := NewEinoProvider("ark", m)

	var deltas []string
	resp, err := p.InvokeStream(context.Background(), textRequest("answer", 64), func(s string) {
		deltas = append(deltas, s)
	})
	require.NoError(t, err)
	assert.Equal(t, "web-1 restarted", resp.Text)
	assert.Equal(t, []string{"web-1 ", "restarted"}, deltas)
	assert.Equal(t, 7, resp.TokensInput)
	assert.Equal(t, true, resp.ProviderMetadata["stream"])
}

func TestNewArkProvider_RequiresCredentials(t *testing.T) {
	_, err := NewArkProvider(context.Background(), ArkConfig{}, "")
	assert.EqualError(t, err, "ARK_API_KEY and LLM_MODEL_ID must be set")
}

func openAIServer(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", MaxRetries: 3})
	require.NoError(t, err)
	p.retryDelay = time.Millisecond
	return p
}

func TestOpenAIProvider_Invoke(t *testing.T) {
	var body map[string]any
	p := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "{\"allowed\": true, \"response\": \"\"}"}}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 6, "total_tokens": 36}
		}`)
	})

	req := jsonRequest("scope", 128, scopeSchema())
	req.ModelID = "gpt-test"
	req.Messages = []*schema.Message{schema.SystemMessage("guard"), schema.UserMessage("list pods")}

	resp, err := p.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, true, resp.JSON["allowed"])
	assert.Equal(t, 30, resp.TokensInput)
	assert.Equal(t, 6, resp.TokensOutput)
	assert.Equal(t, "chatcmpl-1", resp.ProviderMetadata["id"])

	assert.Equal(t, "gpt-test", body["model"])
	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestOpenAIProvider_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	p := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error": {"message": "overloaded", "type": "server_error"}}`)
			return
		}
		fmt.Fprint(w, `{"id": "x", "choices": [{"index": 0, "message": {"role": "assistant", "content": "fine"}}]}`)
	})

	resp, err := p.Invoke(context.Background(), textRequest("answer", 64))
	require.NoError(t, err)
	assert.Equal(t, "fine", resp.Text)
	assert.Equal(t, int32(2), hits.Load())
}

func TestOpenAIProvider_DoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	p := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "bad schema", "type": "invalid_request_error"}}`)
	})

	_, err := p.Invoke(context.Background(), textRequest("answer", 64))
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestOpenAIProvider_InvokeStream(t *testing.T) {
	p := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"id":"s","choices":[{"index":0,"delta":{"content":"Which "}}]}`,
			`{"id":"s","choices":[{"index":0,"delta":{"content":"pod?"}}]}`,
			`{"id":"s","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	resp, err := p.InvokeStream(context.Background(), textRequest("clarifier", 128), func(s string) {
		deltas = append(deltas, s)
	})
	require.NoError(t, err)
	assert.Equal(t, "Which pod?", resp.Text)
	assert.Equal(t, []string{"Which ", "pod?"}, deltas)
	assert.Equal(t, 9, resp.TokensInput)
	assert.Equal(t, 3, resp.TokensOutput)
}

func TestNewOpenAIProvider_RequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider(OpenAIConfig{})
	assert.EqualError(t, err, "OPENAI_API_KEY must be set")
}
