package toolservice

import (
	"fmt"
	"time"

	"github.com/wwwzy/OpsCopilot/internal/agent"
)

const (
	ModeMCP    = "mcp"
	ModeDocker = "docker"
)

// Config 是 tools 配置段。
type Config struct {
	Mode          string  `mapstructure:"mode"`
	BaseURL       string  `mapstructure:"base_url"`
	TimeoutMs     int     `mapstructure:"timeout_ms"`
	MaxRetries    int     `mapstructure:"max_retries"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// New 按 mode 创建工具服务客户端。
func New(cfg Config) (agent.ToolService, error) {
	switch cfg.Mode {
	case "", ModeMCP:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("tools.base_url is required in %s mode", ModeMCP)
		}
		return NewMCPClient(MCPConfig{
			BaseURL:       cfg.BaseURL,
			Timeout:       time.Duration(cfg.TimeoutMs) * time.Millisecond,
			MaxRetries:    cfg.MaxRetries,
			RatePerSecond: cfg.RatePerSecond,
			Burst:         cfg.Burst,
		}), nil
	case ModeDocker:
		return NewDockerService(nil), nil
	default:
		return nil, fmt.Errorf("unknown tools mode %q", cfg.Mode)
	}
}

var (
	_ agent.ToolService = (*MCPClient)(nil)
	_ agent.ToolService = (*DockerService)(nil)
)
