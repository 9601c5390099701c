package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// EinoProvider 把任意 eino ChatModel 适配为 Provider。
type EinoProvider struct {
	name  string
	model model.BaseChatModel
}

func NewEinoProvider(name string, m model.BaseChatModel) *EinoProvider {
	return &EinoProvider{name: name, model: m}
}

// NewArkProvider 初始化 Ark ChatModel
func NewArkProvider(ctx context.Context, cfg ArkConfig, modelID string) (*EinoProvider, error) {
	if cfg.APIKey == "" || modelID == "" {
		return nil, fmt.Errorf("ARK_API_KEY and LLM_MODEL_ID must be set")
	}

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   modelID,
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create ark chat model: %w", err)
	}
	return NewEinoProvider("ark", chatModel), nil
}

func (p *EinoProvider) Name() string {
	return p.name
}

func (p *EinoProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	msg, err := p.model.Generate(ctx, req.Messages, p.options(req)...)
	if err != nil {
		return Response{}, err
	}

	resp := Response{
		Text:             msg.Content,
		LatencyMs:        time.Since(start).Milliseconds(),
		ProviderMetadata: map[string]any{"provider": p.name},
	}
	applyMeta(&resp, msg.ResponseMeta)
	return finishResponse(req, resp)
}

func (p *EinoProvider) InvokeStream(ctx context.Context, req Request, onDelta func(string)) (Response, error) {
	start := time.Now()
	stream, err := p.model.Stream(ctx, req.Messages, p.options(req)...)
	if err != nil {
		return Response{}, err
	}
	defer stream.Close()

	var (
		text strings.Builder
		meta *schema.ResponseMeta
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Response{}, fmt.Errorf("read stream: %w", err)
		}
		if chunk == nil {
			continue
		}
		if chunk.Content != "" {
			text.WriteString(chunk.Content)
			if onDelta != nil {
				onDelta(chunk.Content)
			}
		}
		// usage 一般只出现在最后一个分片
		if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
			meta = chunk.ResponseMeta
		}
	}

	resp := Response{
		Text:             text.String(),
		LatencyMs:        time.Since(start).Milliseconds(),
		ProviderMetadata: map[string]any{"provider": p.name, "stream": true},
	}
	applyMeta(&resp, meta)
	return finishResponse(req, resp)
}

func (p *EinoProvider) options(req Request) []model.Option {
	opts := []model.Option{model.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}
	return opts
}

func applyMeta(resp *Response, meta *schema.ResponseMeta) {
	if meta == nil {
		return
	}
	if meta.FinishReason != "" {
		resp.ProviderMetadata["finish_reason"] = meta.FinishReason
	}
	if meta.Usage != nil {
		resp.TokensInput = meta.Usage.PromptTokens
		resp.TokensOutput = meta.Usage.CompletionTokens
	}
}
