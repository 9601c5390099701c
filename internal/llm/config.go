package llm

import (
	"context"
	"fmt"
)

const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

type ArkConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type OpenAIConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// Config 是 llm 配置段。
type Config struct {
	Provider      string       `mapstructure:"provider"`
	ModelID       string       `mapstructure:"model_id"`
	CostTablePath string       `mapstructure:"cost_table_path"`
	MaxBudgetUSD  float64      `mapstructure:"max_budget_usd"`
	Ark           ArkConfig    `mapstructure:"ark"`
	OpenAI        OpenAIConfig `mapstructure:"openai"`
}

// NewProvider 按配置选择模型服务。
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", ProviderArk:
		return NewArkProvider(ctx, cfg.Ark, cfg.ModelID)
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.OpenAI)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// NewGatewayFromConfig 组装 Provider、价格表与预算。
func NewGatewayFromConfig(ctx context.Context, cfg Config) (*Gateway, error) {
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	costs := CostTable{}
	if cfg.CostTablePath != "" {
		costs, err = LoadCostTable(cfg.CostTablePath)
		if err != nil {
			return nil, err
		}
	}
	return NewGateway(provider, cfg.ModelID, costs, NewBudgetEnforcer(cfg.MaxBudgetUSD)), nil
}
