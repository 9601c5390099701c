package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider 直接调用 OpenAI 兼容的 chat completions 接口。
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY must be set")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		maxRetries: retries,
		retryDelay: 500 * time.Millisecond,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return Response{}, err
	}

	start := time.Now()
	var out openai.ChatCompletionResponse
	err = p.retry(ctx, func() error {
		var callErr error
		out, callErr = p.client.CreateChatCompletion(ctx, chatReq)
		return callErr
	})
	if err != nil {
		return Response{}, err
	}
	if len(out.Choices) == 0 {
		return Response{}, errors.New("openai returned no choices")
	}

	resp := Response{
		Text:         out.Choices[0].Message.Content,
		TokensInput:  out.Usage.PromptTokens,
		TokensOutput: out.Usage.CompletionTokens,
		LatencyMs:    time.Since(start).Milliseconds(),
		ProviderMetadata: map[string]any{
			"provider":      "openai",
			"id":            out.ID,
			"finish_reason": string(out.Choices[0].FinishReason),
		},
	}
	return finishResponse(req, resp)
}

func (p *OpenAIProvider) InvokeStream(ctx context.Context, req Request, onDelta func(string)) (Response, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return Response{}, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	start := time.Now()
	var stream *openai.ChatCompletionStream
	err = p.retry(ctx, func() error {
		var callErr error
		stream, callErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		return callErr
	})
	if err != nil {
		return Response{}, err
	}
	defer stream.Close()

	var text strings.Builder
	resp := Response{ProviderMetadata: map[string]any{"provider": "openai", "stream": true}}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Response{}, fmt.Errorf("read stream: %w", err)
		}
		if chunk.Usage != nil {
			resp.TokensInput = chunk.Usage.PromptTokens
			resp.TokensOutput = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			text.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
	}

	resp.Text = text.String()
	resp.LatencyMs = time.Since(start).Milliseconds()
	return finishResponse(req, resp)
}

func (p *OpenAIProvider) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openAIRole(m.Role),
			Content: m.Content,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       req.ModelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ResponseFormat.Type == FormatJSONSchema && req.ResponseFormat.Schema != nil {
		raw, err := json.Marshal(req.ResponseFormat.Schema)
		if err != nil {
			return chatReq, fmt.Errorf("encode response schema: %w", err)
		}
		name := req.Tags.AgentNode
		if name == "" {
			name = "response"
		}
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: json.RawMessage(raw),
			},
		}
	}
	return chatReq, nil
}

// retry 对限流和 5xx 做线性退避重试。
func (p *OpenAIProvider) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		lastErr = fn()
		if lastErr == nil || !retryableOpenAIError(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func retryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}

func openAIRole(role schema.RoleType) string {
	switch role {
	case schema.System:
		return openai.ChatMessageRoleSystem
	case schema.Assistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
