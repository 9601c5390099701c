package storage

import "time"

// Session 是一次对话会话，消息与运行都挂在会话下。
type Session struct {
	// ID 为会话唯一标识（uuid 或调用方指定的字符串）。
	ID string `gorm:"primaryKey;size:64" json:"id"`
	// Title 可选，便于在列表中展示。
	Title     *string   `gorm:"size:255" json:"title"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	// UpdatedAt 在写入新消息时刷新，会话列表按它倒序。
	UpdatedAt time.Time `gorm:"not null;index" json:"updated_at"`
}

// Message 是会话中的一条用户或助手消息。
type Message struct {
	ID        string `gorm:"primaryKey;size:64" json:"id"`
	SessionID string `gorm:"size:64;not null;index:idx_messages_session_time,priority:1" json:"session_id"`
	// Role 为 user / assistant。
	Role    string `gorm:"size:16;not null" json:"role"`
	Content string `gorm:"type:text;not null" json:"content"`
	// Metadata 至少包含 run_id；澄清回复带 clarification_required，失败回复带 error。
	Metadata  map[string]any `gorm:"column:metadata_json;type:text;serializer:json" json:"metadata,omitempty"`
	CreatedAt time.Time      `gorm:"not null;index:idx_messages_session_time,priority:2" json:"created_at"`
}

// AgentRun 是一次运行的生命周期记录。
type AgentRun struct {
	ID        string `gorm:"primaryKey;size:64" json:"id"`
	SessionID string `gorm:"size:64;not null;index" json:"session_id"`
	// Status 为 running / completed / failed。
	Status string `gorm:"size:32;not null;index" json:"status"`
	// Config 为运行开始时的限制与开关快照。
	Config    map[string]any `gorm:"column:config_json;type:text;serializer:json" json:"config"`
	StartedAt time.Time      `gorm:"not null;index" json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at"`
}

// LLMCall 是一次模型调用的用量与成本。
type LLMCall struct {
	ID           string         `gorm:"primaryKey;size:64" json:"id"`
	AgentRunID   string         `gorm:"size:64;not null;index" json:"agent_run_id"`
	AgentNode    string         `gorm:"size:64;not null" json:"agent_node"`
	ModelID      string         `gorm:"size:128;not null" json:"model_id"`
	TokensInput  int            `gorm:"not null" json:"tokens_input"`
	TokensOutput int            `gorm:"not null" json:"tokens_output"`
	CostUSD      float64        `gorm:"not null" json:"cost_usd"`
	LatencyMs    int64          `gorm:"not null" json:"latency_ms"`
	Metadata     map[string]any `gorm:"column:metadata_json;type:text;serializer:json" json:"metadata,omitempty"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
}

func (LLMCall) TableName() string { return "llm_calls" }

// ToolCall 是一次工具调用的审计记录。
type ToolCall struct {
	ID         string `gorm:"primaryKey;size:64" json:"id"`
	AgentRunID string `gorm:"size:64;not null;index" json:"agent_run_id"`
	ToolName   string `gorm:"size:128;not null;index" json:"tool_name"`
	// Args 为计划中的调用参数，不含注入的追踪字段。
	Args map[string]any `gorm:"column:args_json;type:text;serializer:json" json:"args"`
	// Result 为工具返回的 result 字段，供回放与前端展示。
	Result any    `gorm:"column:result_json;type:text;serializer:json" json:"result,omitempty"`
	Status string `gorm:"size:32;not null" json:"status"`
	// LatencyMs 以工具服务上报的为准。
	LatencyMs int64 `gorm:"not null" json:"latency_ms"`
	// BytesReturned 为 result 序列化后的字节数。
	BytesReturned int       `gorm:"not null" json:"bytes_returned"`
	Truncated     bool      `gorm:"not null" json:"truncated"`
	ErrorMessage  *string   `gorm:"type:text" json:"error_message"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
}

// BudgetEvent 记录一次预算变化，TotalUSD 为变化后的累计值。
type BudgetEvent struct {
	ID         string         `gorm:"primaryKey;size:64" json:"id"`
	AgentRunID string         `gorm:"size:64;not null;index" json:"agent_run_id"`
	Kind       string         `gorm:"size:32;not null" json:"kind"`
	DeltaUSD   float64        `gorm:"not null" json:"delta_usd"`
	TotalUSD   float64        `gorm:"not null" json:"total_usd"`
	Metadata   map[string]any `gorm:"column:metadata_json;type:text;serializer:json" json:"metadata,omitempty"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
}
