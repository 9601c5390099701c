package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wwwzy/OpsCopilot/internal/config"
	"github.com/wwwzy/OpsCopilot/internal/observability"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   *slog.Logger
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "opscopilot",
	Short: "OpsCopilot 是一个面向运维排障的对话式 Agent",
	Long: `OpsCopilot 把自然语言的运维问题拆解为工具调用计划，
通过 MCP 工具服务（或本机 Docker）执行后汇总成回答。`,
	SilenceUsage: true,
}

// Execute 将所有子命令添加到根命令并适当设置标志。
// 这由 main.main() 调用。它只需要对 rootCmd 调用一次。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、$HOME/.opscopilot/config.yaml 搜索）")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别：debug/info/warn/error，覆盖配置文件")
}

// initConfig 读取配置文件和环境变量，并安装全局日志。
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger = observability.SetupLogging(cfg.Log)
}
