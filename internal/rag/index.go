package rag

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/wwwzy/OpsCopilot/internal/agent"
)

// Index 是基于 bleve 的全文索引，path 为空时只在内存中。
type Index struct {
	mu    sync.RWMutex
	bleve bleve.Index
}

// OpenIndex 打开已有索引，不存在时创建。
func OpenIndex(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create memory index: %w", err)
		}
		return &Index{bleve: idx}, nil
	}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	return &Index{bleve: idx}, nil
}

// AddChunks 批量写入切片，相同 chunk_id 会被覆盖。
func (i *Index) AddChunks(chunks []Chunk) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	batch := i.bleve.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ChunkID, c); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ChunkID, err)
		}
	}
	return i.bleve.Batch(batch)
}

// Search 用 match 查询检索 text 字段，返回得分最高的 k 个切片。
func (i *Index) Search(query string, k int) ([]agent.RagResult, error) {
	if k <= 0 {
		k = 1
	}
	q := bleve.NewMatchQuery(query)
	q.SetField("text")
	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	req.Fields = []string{"document_id", "chunk_id", "chunk_index", "source", "text"}

	i.mu.RLock()
	res, err := i.bleve.Search(req)
	i.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	results := make([]agent.RagResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := agent.RagResult{
			ChunkID: hit.ID,
			Score:   hit.Score,
		}
		r.DocumentID, _ = hit.Fields["document_id"].(string)
		r.Source, _ = hit.Fields["source"].(string)
		r.Text, _ = hit.Fields["text"].(string)
		meta := map[string]any{"source": r.Source}
		if idx, ok := hit.Fields["chunk_index"].(float64); ok {
			meta["chunk_index"] = int(idx)
		}
		r.Metadata = meta
		results = append(results, r)
	}
	return results, nil
}

func (i *Index) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.bleve.DocCount()
}

func (i *Index) Close() error {
	return i.bleve.Close()
}
