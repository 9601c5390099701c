package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wwwzy/OpsCopilot/internal/rag"
)

var ragCmd = &cobra.Command{
	Use:   "rag",
	Short: "管理运维知识库索引",
}

var ragIngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "把 rag.docs_dir 下的文档切片写入索引",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.RAG.DocsDir == "" {
			return fmt.Errorf("rag.docs_dir is required")
		}
		idx, err := rag.OpenIndex(cfg.RAG.IndexPath)
		if err != nil {
			return fmt.Errorf("打开索引失败: %w", err)
		}
		defer idx.Close()

		stats, err := rag.Ingest(cmd.Context(), idx, cfg.RAG)
		if err != nil {
			return fmt.Errorf("导入失败: %w", err)
		}
		total, err := idx.Count()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d documents, %d chunks. Index now holds %d chunks.\n", stats.Documents, stats.Chunks, total)
		return nil
	},
}

var ragSearchTopK int

var ragSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "在索引中检索，查看召回结果",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := rag.OpenIndex(cfg.RAG.IndexPath)
		if err != nil {
			return fmt.Errorf("打开索引失败: %w", err)
		}
		defer idx.Close()

		k := ragSearchTopK
		if k <= 0 {
			k = cfg.RAG.TopK
		}
		results, err := idx.Search(strings.Join(args, " "), k)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintln(out, "(无结果)")
			return nil
		}
		for i, r := range results {
			fmt.Fprintf(out, "%d. [%.3f] %s (%s)\n", i+1, r.Score, r.Source, r.ChunkID)
			fmt.Fprintf(out, "   %s\n", preview(r.Text, 160))
		}
		return nil
	},
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

func init() {
	rootCmd.AddCommand(ragCmd)
	ragCmd.AddCommand(ragIngestCmd)
	ragCmd.AddCommand(ragSearchCmd)
	ragSearchCmd.Flags().IntVarP(&ragSearchTopK, "top-k", "k", 0, "返回条数，默认使用 rag.top_k")
}
