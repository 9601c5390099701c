package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wwwzy/OpsCopilot/internal/agent"
	"github.com/wwwzy/OpsCopilot/internal/toolservice"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "查看和调试工具服务",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出工具服务暴露的工具",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := toolservice.New(cfg.Tools)
		if err != nil {
			return err
		}
		tools, err := svc.ListTools(cmd.Context())
		if err != nil {
			return fmt.Errorf("获取工具列表失败: %w", err)
		}
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NAME\tREQUIRED\tDESCRIPTION")
		for _, t := range tools {
			required := strings.Join(agent.RequiredFields(t.InputSchema), ",")
			if required == "" {
				required = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, required, t.Description)
		}
		return w.Flush()
	},
}

var toolsCallArgs string

var toolsCallCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "直接调用一个工具，输出原始响应",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var toolArgs map[string]any
		if toolsCallArgs != "" {
			if err := json.Unmarshal([]byte(toolsCallArgs), &toolArgs); err != nil {
				return fmt.Errorf("--args 不是合法的 JSON 对象: %w", err)
			}
		}
		if toolArgs == nil {
			toolArgs = map[string]any{}
		}

		svc, err := toolservice.New(cfg.Tools)
		if err != nil {
			return err
		}
		resp, err := svc.CallTool(cmd.Context(), args[0], toolArgs)
		if err != nil {
			return fmt.Errorf("调用 %s 失败: %w", args[0], err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsCallCmd)
	toolsCallCmd.Flags().StringVar(&toolsCallArgs, "args", "", `工具参数，JSON 对象，例如 '{"service":"api"}'`)
}
