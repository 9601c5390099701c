package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/OpsCopilot/internal/retention"
	"github.com/wwwzy/OpsCopilot/internal/storage"
	"github.com/wwwzy/OpsCopilot/internal/toolservice"
)

// clearLegacyEnv 屏蔽宿主机上可能存在的无前缀变量。
func clearLegacyEnv(t *testing.T) {
	t.Helper()
	for _, names := range legacyEnv {
		for _, name := range names {
			t.Setenv(name, "")
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearLegacyEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "opscopilot.db", cfg.Storage.Path)
	assert.Equal(t, 10, cfg.Agent.MaxAgentSteps)
	assert.Equal(t, 10, cfg.Agent.MaxToolCalls)
	assert.Equal(t, 10, cfg.Agent.MaxLLMCalls)
	assert.Equal(t, 30000, cfg.Agent.MaxExecutionTimeMs)
	assert.True(t, cfg.Agent.EnableScopeCheck)
	assert.False(t, cfg.Agent.EnableCritic)
	assert.Equal(t, 1.0, cfg.LLM.MaxBudgetUSD)
	assert.Equal(t, "http://localhost:8080/mcp", cfg.Tools.BaseURL)
	assert.Equal(t, 3000, cfg.Tools.TimeoutMs)
	assert.Equal(t, 2, cfg.Tools.MaxRetries)
	assert.Equal(t, 3, cfg.RAG.TopK)
	assert.Equal(t, 800, cfg.RAG.ChunkSize)
	assert.Equal(t, 100, cfg.RAG.ChunkOverlap)
	assert.Equal(t, retention.DefaultConfig().KeepRuns, cfg.Retention.KeepRuns)
}

func TestLoad_ConfigFile(t *testing.T) {
	clearLegacyEnv(t)

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
log:
  level: "debug"
  format: "json"
storage:
  path: "test.db"
  busy_timeout: "10s"
agent:
  max_agent_steps: 4
  enable_critic: true
tools:
  mode: "docker"
retention:
  enabled: true
  keep_runs: "168h"
`)
	require.NoError(t, os.WriteFile(configFile, content, 0644))

	cfg, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "test.db", cfg.Storage.Path)
	assert.Equal(t, 10*time.Second, cfg.Storage.BusyTimeout)
	assert.Equal(t, 4, cfg.Agent.MaxAgentSteps)
	assert.True(t, cfg.Agent.EnableCritic)
	assert.Equal(t, toolservice.ModeDocker, cfg.Tools.Mode)
	assert.True(t, cfg.Retention.Enabled)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.KeepRuns)

	// 未覆盖的字段保持默认值
	assert.Equal(t, 10, cfg.Agent.MaxToolCalls)
	assert.Equal(t, retention.DefaultConfig().BatchRows, cfg.Retention.BatchRows)
}

func TestLoad_EnvOverride(t *testing.T) {
	clearLegacyEnv(t)
	t.Setenv("OPSCOPILOT_LOG_LEVEL", "warn")
	t.Setenv("OPSCOPILOT_STORAGE_PATH", "env.db")
	t.Setenv("OPSCOPILOT_RETENTION_INTERVAL", "5m")
	t.Setenv("OPSCOPILOT_AGENT_MAX_TOOL_CALLS", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "env.db", cfg.Storage.Path)
	assert.Equal(t, 5*time.Minute, cfg.Retention.Interval)
	assert.Equal(t, 3, cfg.Agent.MaxToolCalls)
}

func TestLoad_LegacyEnv(t *testing.T) {
	clearLegacyEnv(t)
	t.Setenv("ARK_API_KEY", "legacy-key")
	t.Setenv("LLM_MODEL_ID", "legacy-model")
	t.Setenv("MCP_BASE_URL", "http://tools:9000/mcp")
	t.Setenv("AGENT_MAX_STEPS", "7")
	t.Setenv("LLM_MAX_BUDGET_USD", "2.5")
	t.Setenv("RAG_TOP_K", "5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "legacy-key", cfg.LLM.Ark.APIKey)
	assert.Equal(t, "legacy-model", cfg.LLM.ModelID)
	assert.Equal(t, "http://tools:9000/mcp", cfg.Tools.BaseURL)
	assert.Equal(t, 7, cfg.Agent.MaxAgentSteps)
	assert.Equal(t, 2.5, cfg.LLM.MaxBudgetUSD)
	assert.Equal(t, 5, cfg.RAG.TopK)
	assert.NoError(t, cfg.ValidateLLM())
}

func TestLoad_PrefixedEnvWinsOverLegacy(t *testing.T) {
	clearLegacyEnv(t)
	t.Setenv("ARK_API_KEY", "legacy-key")
	t.Setenv("OPSCOPILOT_LLM_ARK_API_KEY", "prefixed-key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "prefixed-key", cfg.LLM.Ark.APIKey)
}

func TestLoad_RejectsInvalidLimits(t *testing.T) {
	clearLegacyEnv(t)
	t.Setenv("AGENT_MAX_STEPS", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_agent_steps")
}

func TestValidate_ToolsMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tools.Mode = "grpc"
	assert.ErrorContains(t, cfg.Validate(), "tools.mode")

	cfg = DefaultConfig()
	cfg.Tools.BaseURL = ""
	assert.ErrorContains(t, cfg.Validate(), "tools.base_url")

	cfg.Tools.Mode = toolservice.ModeDocker
	assert.NoError(t, cfg.Validate())
}

func TestValidateLLM(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorContains(t, cfg.ValidateLLM(), "llm.ark.api_key")

	cfg.LLM.Ark.APIKey = "k"
	assert.ErrorContains(t, cfg.ValidateLLM(), "llm.model_id")

	cfg.LLM.ModelID = "m"
	assert.NoError(t, cfg.ValidateLLM())

	cfg.LLM.Provider = "openai"
	assert.ErrorContains(t, cfg.ValidateLLM(), "llm.openai.api_key")

	cfg.LLM.Provider = "bedrock"
	assert.ErrorContains(t, cfg.ValidateLLM(), "llm.provider")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, storage.Config{Path: "opscopilot.db", EnableWAL: true, BusyTimeout: 5 * time.Second, SlowThreshold: 200 * time.Millisecond}, cfg.Storage)
	assert.NoError(t, cfg.Validate())
}
