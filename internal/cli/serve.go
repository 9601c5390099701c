package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wwwzy/OpsCopilot/internal/observability"
	"github.com/wwwzy/OpsCopilot/internal/retention"
	"github.com/wwwzy/OpsCopilot/internal/server"
)

var serveAddr string

// serveCmd 启动 HTTP API 与后台清理任务
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 OpsCopilot API 服务",
	Long: `启动 HTTP API 服务。
这将初始化数据库、工具服务与模型网关，并按配置启动运行记录的定时清理。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 上下文用于优雅退出
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// 2. 链路追踪
		shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("初始化链路追踪失败: %w", err)
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Warn("flush traces failed", "error", err)
			}
		}()

		// 3. 存储、工具、模型与 Agent
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		// 4. 后台清理
		var mgr *retention.Manager
		if cfg.Retention.Enabled {
			rc := cfg.Retention
			rc.OnError = func(err error) { logger.Warn("retention prune failed", "error", err) }
			pruner, err := retention.NewPruner(a.store, rc)
			if err != nil {
				return fmt.Errorf("创建清理任务失败: %w", err)
			}
			mgr = retention.NewManager(pruner)
			if err := mgr.Start(ctx); err != nil {
				return fmt.Errorf("启动清理任务失败: %w", err)
			}
			logger.Info("retention enabled", "interval", rc.Interval, "keep_runs", rc.KeepRuns, "keep_messages", rc.KeepMessages)
		}

		// 5. HTTP 服务，阻塞到收到信号
		srvCfg := cfg.Server
		if serveAddr != "" {
			srvCfg.Addr = serveAddr
		}
		srv := server.New(srvCfg, a.store, a.chat, logger)
		runErr := srv.Run(ctx)

		// 6. 优雅停止
		if mgr != nil {
			mgr.Stop()
			if err := mgr.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("retention stopped with error", "error", err)
			}
		}
		if runErr != nil {
			return fmt.Errorf("API 服务异常退出: %w", runErr)
		}
		logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "监听地址，覆盖 server.addr")
}
