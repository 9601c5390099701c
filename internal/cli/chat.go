package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wwwzy/OpsCopilot/internal/observability"
	"github.com/wwwzy/OpsCopilot/internal/tui"
	"github.com/wwwzy/OpsCopilot/internal/ui"
)

var (
	chatUI        string
	chatSessionID string
	chatTitle     string
	chatQuiet     bool
	chatToolLogs  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "进入交互式对话模式",
	Long: `进入交互式对话，用自然语言描述运维问题。
Agent 会规划并调用工具获取信息，参数不足时会先向你追问。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case <-sigChan:
				cancel()
			case <-ctx.Done():
			}
		}()

		var uiImpl ui.ChatUI
		switch chatUI {
		case "console", "":
			uiImpl = &ui.ConsoleChatUI{In: os.Stdin, Out: os.Stdout}
		case "tui":
			// 全屏界面下日志会破坏画面
			logger = observability.DiscardLogger()
			slog.SetDefault(logger)
			uiImpl = &tui.ChatUI{}
		default:
			return fmt.Errorf("未知 ui 类型: %s (支持: console, tui)", chatUI)
		}

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		sessionID := chatSessionID
		if sessionID == "" {
			var title *string
			if chatTitle != "" {
				title = &chatTitle
			}
			s, err := a.store.CreateSession(ctx, title)
			if err != nil {
				return fmt.Errorf("创建会话失败: %w", err)
			}
			sessionID = s.ID
		} else if _, err := a.store.GetSession(ctx, sessionID); err != nil {
			return fmt.Errorf("会话 %s 不可用: %w", sessionID, err)
		}

		return uiImpl.Run(ctx, a.chat, sessionID, ui.ChatOptions{
			ShowProgress: !chatQuiet,
			ShowToolLogs: chatToolLogs,
		})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatUI, "ui", "console", "交互界面类型: console/tui")
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "继续已有会话；为空时创建新会话")
	chatCmd.Flags().StringVar(&chatTitle, "title", "", "新会话的标题")
	chatCmd.Flags().BoolVarP(&chatQuiet, "quiet", "q", false, "不展示节点进度")
	chatCmd.Flags().BoolVar(&chatToolLogs, "tool-logs", true, "展示日志类工具的输出")
}
