package llm

import (
	"github.com/cloudwego/eino/schema"
)

const (
	FormatText       = "text"
	FormatJSONSchema = "json_schema"
)

// ResponseFormat 声明期望的输出形态，json_schema 时 Schema 用于校验模型输出。
type ResponseFormat struct {
	Type   string
	Schema map[string]any
}

// Tags 标识一次调用属于哪个会话、哪次运行、哪个节点。
type Tags struct {
	SessionID  string
	AgentRunID string
	AgentNode  string
}

// Request 是发往模型的一次请求。
type Request struct {
	ModelID        string
	Messages       []*schema.Message
	ResponseFormat ResponseFormat
	Temperature    float32
	MaxTokens      int
	IdempotencyKey string
	Tags           Tags
}

// Response 是 Provider 归一化后的输出。JSON 只在 json_schema 请求成功解析时填充。
type Response struct {
	Text             string
	JSON             map[string]any
	TokensInput      int
	TokensOutput     int
	CostUSD          float64
	LatencyMs        int64
	ProviderMetadata map[string]any
}
