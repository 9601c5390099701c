package rag

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Document 是从知识库目录加载的一篇文档，ID 为相对路径。
type Document struct {
	DocumentID string
	SourcePath string
	Content    string
	Metadata   map[string]any
}

// Chunk 是文档的一个切片，ID 形如 <document_id>::chunk-<i>。
type Chunk struct {
	DocumentID string         `json:"document_id"`
	ChunkID    string         `json:"chunk_id"`
	Index      int            `json:"chunk_index"`
	Source     string         `json:"source"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"-"`
}

var (
	ErrChunkSize    = errors.New("chunk_size must be positive")
	ErrChunkOverlap = errors.New("chunk_overlap must be non-negative and smaller than chunk_size")
)

// NormalizeText 统一换行，去掉行尾空白，并把连续空行折叠为一行。
func NormalizeText(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	prevBlank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		blank := strings.TrimSpace(line) == ""
		if blank && prevBlank {
			continue
		}
		out = append(out, line)
		prevBlank = blank
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// LoadDocuments 递归读取 root 下的文件，extensions 为空时不过滤。结果按路径排序。
func LoadDocuments(root string, extensions []string) ([]Document, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}

	var paths []string
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(paths)

	docs := make([]Document, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)
		docs = append(docs, Document{
			DocumentID: rel,
			SourcePath: path,
			Content:    NormalizeText(string(raw)),
			Metadata:   map[string]any{"source": rel},
		})
	}
	return docs, nil
}

// ChunkText 按字符数切片，相邻切片重叠 overlap 个字符。
func ChunkText(documentID, text string, size, overlap int, metadata map[string]any) ([]Chunk, error) {
	if size <= 0 {
		return nil, ErrChunkSize
	}
	if overlap < 0 || overlap >= size {
		return nil, ErrChunkOverlap
	}

	runes := []rune(text)
	source := documentID
	if s, ok := metadata["source"].(string); ok && s != "" {
		source = s
	}

	var chunks []Chunk
	for start, index := 0, 0; start < len(runes); index++ {
		end := min(start+size, len(runes))
		meta := make(map[string]any, len(metadata)+1)
		for k, v := range metadata {
			meta[k] = v
		}
		meta["chunk_index"] = index
		chunks = append(chunks, Chunk{
			DocumentID: documentID,
			ChunkID:    fmt.Sprintf("%s::chunk-%d", documentID, index),
			Index:      index,
			Source:     source,
			Text:       string(runes[start:end]),
			Metadata:   meta,
		})
		if end == len(runes) {
			break
		}
		start = end - overlap
	}
	return chunks, nil
}
