package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wwwzy/OpsCopilot/internal/agent"
	"github.com/wwwzy/OpsCopilot/internal/llm"
	"github.com/wwwzy/OpsCopilot/internal/observability"
	"github.com/wwwzy/OpsCopilot/internal/rag"
	"github.com/wwwzy/OpsCopilot/internal/retention"
	"github.com/wwwzy/OpsCopilot/internal/server"
	"github.com/wwwzy/OpsCopilot/internal/storage"
	"github.com/wwwzy/OpsCopilot/internal/toolservice"
)

const envPrefix = "OPSCOPILOT"

// AgentConfig 是 agent 配置段：执行限制与可选节点开关。
type AgentConfig struct {
	agent.ExecutionLimits `mapstructure:",squash"`

	EnableScopeCheck bool `mapstructure:"enable_scope_check"`
	EnableClarifier  bool `mapstructure:"enable_clarifier"`
	EnableAnswer     bool `mapstructure:"enable_answer"`
	EnableCritic     bool `mapstructure:"enable_critic"`
}

type Config struct {
	Log       observability.LogConfig   `mapstructure:"log"`
	Storage   storage.Config            `mapstructure:"storage"`
	Agent     AgentConfig               `mapstructure:"agent"`
	LLM       llm.Config                `mapstructure:"llm"`
	Tools     toolservice.Config        `mapstructure:"tools"`
	RAG       rag.Config                `mapstructure:"rag"`
	Server    server.Config             `mapstructure:"server"`
	Telemetry observability.TraceConfig `mapstructure:"telemetry"`
	Retention retention.Config          `mapstructure:"retention"`
}

// legacyEnv 是早期部署使用的无前缀环境变量，优先级低于 OPSCOPILOT_ 前缀的同名配置。
var legacyEnv = map[string][]string{
	"llm.ark.api_key":             {"ARK_API_KEY"},
	"llm.ark.base_url":            {"ARK_BASE_URL"},
	"llm.openai.api_key":          {"OPENAI_API_KEY"},
	"llm.openai.base_url":         {"OPENAI_BASE_URL"},
	"llm.model_id":                {"LLM_MODEL_ID", "ARK_MODEL_ID"},
	"llm.cost_table_path":         {"LLM_COST_TABLE_PATH"},
	"llm.max_budget_usd":          {"LLM_MAX_BUDGET_USD"},
	"tools.base_url":              {"MCP_BASE_URL"},
	"tools.timeout_ms":            {"MCP_TIMEOUT_MS"},
	"tools.max_retries":           {"MCP_MAX_RETRIES"},
	"agent.max_agent_steps":       {"AGENT_MAX_STEPS"},
	"agent.max_tool_calls":        {"AGENT_MAX_TOOL_CALLS"},
	"agent.max_llm_calls":         {"AGENT_MAX_LLM_CALLS"},
	"agent.max_execution_time_ms": {"AGENT_MAX_EXECUTION_TIME_MS"},
	"rag.top_k":                   {"RAG_TOP_K"},
}

// Load 依次合并默认值、配置文件与环境变量，并做基础校验。
// 模型凭据只在需要调用模型的命令里通过 ValidateLLM 检查。
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.opscopilot")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal 只认识 viper 已知的 key，默认值同时起到登记 key 的作用。
	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, names := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate 检查与模型无关的配置。
func (c *Config) Validate() error {
	if err := c.Agent.ExecutionLimits.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	switch c.Tools.Mode {
	case toolservice.ModeMCP:
		if c.Tools.BaseURL == "" {
			return errors.New("tools.base_url is required (or set MCP_BASE_URL env var)")
		}
	case toolservice.ModeDocker:
	default:
		return fmt.Errorf("tools.mode must be %q or %q, got %q", toolservice.ModeMCP, toolservice.ModeDocker, c.Tools.Mode)
	}
	if c.LLM.MaxBudgetUSD < 0 {
		return errors.New("llm.max_budget_usd must be >= 0")
	}
	if c.RAG.Enabled && c.RAG.DocsDir == "" && c.RAG.IndexPath == "" {
		return errors.New("rag.docs_dir or rag.index_path is required when rag is enabled")
	}
	return nil
}

// ValidateLLM 检查所选模型服务的凭据。
func (c *Config) ValidateLLM() error {
	switch c.LLM.Provider {
	case llm.ProviderArk:
		if c.LLM.Ark.APIKey == "" {
			return errors.New("llm.ark.api_key is required (or set ARK_API_KEY env var)")
		}
	case llm.ProviderOpenAI:
		if c.LLM.OpenAI.APIKey == "" {
			return errors.New("llm.openai.api_key is required (or set OPENAI_API_KEY env var)")
		}
	default:
		return fmt.Errorf("llm.provider must be %q or %q, got %q", llm.ProviderArk, llm.ProviderOpenAI, c.LLM.Provider)
	}
	if c.LLM.ModelID == "" {
		return errors.New("llm.model_id is required (or set LLM_MODEL_ID env var)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// -------------------------------------------------------------------------
	// Log
	// -------------------------------------------------------------------------
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	// -------------------------------------------------------------------------
	// Storage
	// -------------------------------------------------------------------------
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.in_memory", d.Storage.InMemory)
	v.SetDefault("storage.enable_wal", d.Storage.EnableWAL)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)
	v.SetDefault("storage.max_open_conns", d.Storage.MaxOpenConns)
	v.SetDefault("storage.max_idle_conns", d.Storage.MaxIdleConns)
	v.SetDefault("storage.conn_max_lifetime", d.Storage.ConnMaxLifetime)
	v.SetDefault("storage.slow_threshold", d.Storage.SlowThreshold)

	// -------------------------------------------------------------------------
	// Agent（执行限制 + 可选节点）
	// -------------------------------------------------------------------------
	v.SetDefault("agent.max_agent_steps", d.Agent.MaxAgentSteps)
	v.SetDefault("agent.max_tool_calls", d.Agent.MaxToolCalls)
	v.SetDefault("agent.max_llm_calls", d.Agent.MaxLLMCalls)
	v.SetDefault("agent.max_execution_time_ms", d.Agent.MaxExecutionTimeMs)
	v.SetDefault("agent.enable_scope_check", d.Agent.EnableScopeCheck)
	v.SetDefault("agent.enable_clarifier", d.Agent.EnableClarifier)
	v.SetDefault("agent.enable_answer", d.Agent.EnableAnswer)
	v.SetDefault("agent.enable_critic", d.Agent.EnableCritic)

	// -------------------------------------------------------------------------
	// LLM
	// -------------------------------------------------------------------------
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model_id", d.LLM.ModelID)
	v.SetDefault("llm.cost_table_path", d.LLM.CostTablePath)
	v.SetDefault("llm.max_budget_usd", d.LLM.MaxBudgetUSD)
	v.SetDefault("llm.ark.api_key", d.LLM.Ark.APIKey)
	v.SetDefault("llm.ark.base_url", d.LLM.Ark.BaseURL)
	v.SetDefault("llm.openai.api_key", d.LLM.OpenAI.APIKey)
	v.SetDefault("llm.openai.base_url", d.LLM.OpenAI.BaseURL)
	v.SetDefault("llm.openai.max_retries", d.LLM.OpenAI.MaxRetries)

	// -------------------------------------------------------------------------
	// Tools
	// -------------------------------------------------------------------------
	v.SetDefault("tools.mode", d.Tools.Mode)
	v.SetDefault("tools.base_url", d.Tools.BaseURL)
	v.SetDefault("tools.timeout_ms", d.Tools.TimeoutMs)
	v.SetDefault("tools.max_retries", d.Tools.MaxRetries)
	v.SetDefault("tools.rate_per_second", d.Tools.RatePerSecond)
	v.SetDefault("tools.burst", d.Tools.Burst)

	// -------------------------------------------------------------------------
	// RAG
	// -------------------------------------------------------------------------
	v.SetDefault("rag.enabled", d.RAG.Enabled)
	v.SetDefault("rag.docs_dir", d.RAG.DocsDir)
	v.SetDefault("rag.index_path", d.RAG.IndexPath)
	v.SetDefault("rag.extensions", d.RAG.Extensions)
	v.SetDefault("rag.chunk_size", d.RAG.ChunkSize)
	v.SetDefault("rag.chunk_overlap", d.RAG.ChunkOverlap)
	v.SetDefault("rag.top_k", d.RAG.TopK)

	// -------------------------------------------------------------------------
	// Server / Telemetry
	// -------------------------------------------------------------------------
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
	v.SetDefault("telemetry.sampling_rate", d.Telemetry.SamplingRate)

	// -------------------------------------------------------------------------
	// Retention
	// -------------------------------------------------------------------------
	v.SetDefault("retention.enabled", d.Retention.Enabled)
	v.SetDefault("retention.interval", d.Retention.Interval)
	v.SetDefault("retention.keep_runs", d.Retention.KeepRuns)
	v.SetDefault("retention.keep_messages", d.Retention.KeepMessages)
	v.SetDefault("retention.batch_rows", d.Retention.BatchRows)
	v.SetDefault("retention.idle_sleep", d.Retention.IdleSleep)
	v.SetDefault("retention.workers", d.Retention.Workers)
}

func DefaultConfig() Config {
	return Config{
		Log: observability.LogConfig{Level: "info", Format: "text"},
		Storage: storage.Config{
			Path:          "opscopilot.db",
			EnableWAL:     true,
			BusyTimeout:   5 * time.Second,
			SlowThreshold: 200 * time.Millisecond,
		},
		Agent: AgentConfig{
			ExecutionLimits:  agent.DefaultLimits(),
			EnableScopeCheck: true,
			EnableClarifier:  true,
			EnableAnswer:     true,
		},
		LLM: llm.Config{
			Provider:     llm.ProviderArk,
			MaxBudgetUSD: 1.0,
			Ark:          llm.ArkConfig{BaseURL: "https://ark.cn-beijing.volces.com/api/v3"},
			OpenAI:       llm.OpenAIConfig{MaxRetries: 2},
		},
		Tools: toolservice.Config{
			Mode:       toolservice.ModeMCP,
			BaseURL:    "http://localhost:8080/mcp",
			TimeoutMs:  3000,
			MaxRetries: 2,
		},
		RAG: rag.Config{
			IndexPath:    "opscopilot.bleve",
			Extensions:   []string{".md", ".txt"},
			ChunkSize:    800,
			ChunkOverlap: 100,
			TopK:         rag.DefaultTopK,
		},
		Server:    server.Config{Addr: ":8000", ShutdownTimeout: 10 * time.Second},
		Telemetry: observability.TraceConfig{ServiceName: "opscopilot", SamplingRate: 1.0},
		Retention: retention.DefaultConfig(),
	}
}
