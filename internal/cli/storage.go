package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/OpsCopilot/internal/retention"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理存储和数据库",
	Long:  `提供查看数据库概况、清理过期运行记录和消息的命令。`,
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示数据库统计概况",
	RunE:  runInfo,
}

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "按保留策略立即清理运行记录和消息",
	Long: `忽略定时任务间隔，立即执行一次清理。
默认读取配置文件中的 retention 策略，--keep-runs/--keep-messages 可覆盖。`,
	RunE: runPrune,
}

var (
	pruneKeepRuns     time.Duration
	pruneKeepMessages time.Duration
)

func init() {
	pruneCmd.Flags().DurationVar(&pruneKeepRuns, "keep-runs", 0, "运行记录保留时长，例如 720h")
	pruneCmd.Flags().DurationVar(&pruneKeepMessages, "keep-messages", 0, "消息保留时长，例如 2160h")

	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rc := cfg.Retention
	if pruneKeepRuns > 0 {
		rc.KeepRuns = pruneKeepRuns
	}
	if pruneKeepMessages > 0 {
		rc.KeepMessages = pruneKeepMessages
	}
	if rc.KeepRuns <= 0 {
		rc.KeepRuns = retention.DefaultConfig().KeepRuns
	}

	out := cmd.OutOrStdout()
	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	defer store.Close()

	pruner, err := retention.NewPruner(store, rc)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Policy: keep runs %s, keep messages %s\n", rc.KeepRuns, durationOrOff(rc.KeepMessages))
	res, err := pruner.RunOnce(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("清理失败: %w", err)
	}
	fmt.Fprintf(out, "Prune completed. Deleted %d runs, %d messages.\n", res.Runs, res.Messages)

	if counts, err := store.Counts(ctx); err == nil {
		fmt.Fprintf(out, "Remaining: %d runs, %d messages\n", counts.AgentRuns, counts.Messages)
	}
	return nil
}

func durationOrOff(d time.Duration) string {
	if d <= 0 {
		return "forever"
	}
	return d.String()
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	// 1. 获取数据库文件信息
	var dbSizeStr string
	if cfg.Storage.InMemory {
		dbSizeStr = "in-memory"
	} else {
		dbPath := cfg.Storage.Path
		if absPath, err := filepath.Abs(dbPath); err == nil {
			dbPath = absPath
		}
		info, err := os.Stat(dbPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			dbSizeStr = "Not Found (Will be created on first run)"
		case err != nil:
			dbSizeStr = fmt.Sprintf("Error: %v", err)
		default:
			dbSizeStr = fmt.Sprintf("%.2f MB (%s)", float64(info.Size())/1024/1024, dbPath)
		}
	}

	// 2. 连接数据库
	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(out, "Database File: %s\n", dbSizeStr)
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	defer store.Close()

	// 3. 获取统计信息
	counts, err := store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("统计失败: %w", err)
	}

	// 4. 格式化输出
	fmt.Fprintf(out, "Database File: %s\n\n", dbSizeStr)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Table\tCount")
	fmt.Fprintln(w, "-----\t-----")
	fmt.Fprintf(w, "Sessions\t%d\n", counts.Sessions)
	fmt.Fprintf(w, "Messages\t%d\n", counts.Messages)
	fmt.Fprintf(w, "AgentRuns\t%d\n", counts.AgentRuns)
	fmt.Fprintf(w, "LLMCalls\t%d\n", counts.LLMCalls)
	fmt.Fprintf(w, "ToolCalls\t%d\n", counts.ToolCalls)
	fmt.Fprintf(w, "BudgetEvents\t%d\n", counts.BudgetEvents)
	return w.Flush()
}
