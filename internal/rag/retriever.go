package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/wwwzy/OpsCopilot/internal/agent"
)

const DefaultTopK = 3

// Config 是 rag 配置段。
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	DocsDir      string   `mapstructure:"docs_dir"`
	IndexPath    string   `mapstructure:"index_path"`
	Extensions   []string `mapstructure:"extensions"`
	ChunkSize    int      `mapstructure:"chunk_size"`
	ChunkOverlap int      `mapstructure:"chunk_overlap"`
	TopK         int      `mapstructure:"top_k"`
}

// Retriever 把索引检索结果组装成运行时使用的 RagContext。
type Retriever struct {
	index *Index
	topK  int
}

func NewRetriever(index *Index, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{index: index, topK: topK}
}

func (r *Retriever) Retrieve(ctx context.Context, query string) (*agent.RagContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results, err := r.index.Search(query, r.topK)
	if err != nil {
		return nil, err
	}

	lines := make([]string, 0, len(results))
	for _, res := range results {
		lines = append(lines, fmt.Sprintf("[%s] %s", res.Source, res.Text))
	}
	agent.LoggerFrom(ctx).Debug("rag retrieved", "chunks", len(results), "top_k", r.topK)
	return &agent.RagContext{
		Text:      strings.Join(lines, "\n"),
		Results:   results,
		Citations: BuildCitations(results),
	}, nil
}

func BuildCitations(results []agent.RagResult) []agent.Citation {
	citations := make([]agent.Citation, 0, len(results))
	for _, r := range results {
		citations = append(citations, agent.Citation{
			DocumentID: r.DocumentID,
			ChunkID:    r.ChunkID,
			Source:     r.Source,
			Score:      r.Score,
			Metadata:   r.Metadata,
		})
	}
	return citations
}

// IngestStats 汇总一次导入。
type IngestStats struct {
	Documents int
	Chunks    int
}

// Ingest 加载 cfg.DocsDir 下的文档，切片后写入索引。
func Ingest(ctx context.Context, index *Index, cfg Config) (IngestStats, error) {
	docs, err := LoadDocuments(cfg.DocsDir, cfg.Extensions)
	if err != nil {
		return IngestStats{}, err
	}

	var stats IngestStats
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if doc.Content == "" {
			continue
		}
		chunks, err := ChunkText(doc.DocumentID, doc.Content, cfg.ChunkSize, cfg.ChunkOverlap, doc.Metadata)
		if err != nil {
			return stats, fmt.Errorf("chunk %s: %w", doc.DocumentID, err)
		}
		if err := index.AddChunks(chunks); err != nil {
			return stats, err
		}
		stats.Documents++
		stats.Chunks += len(chunks)
	}
	return stats, nil
}

var _ agent.Retriever = (*Retriever)(nil)
