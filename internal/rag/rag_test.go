package rag

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	raw := "Title\r\n\r\n\r\nline one   \rline two\n\n\n\nend\n\n"
	assert.Equal(t, "Title\n\nline one\nline two\n\nend", NormalizeText(raw))
	assert.Equal(t, "", NormalizeText(" \n\n\t\n"))
}

func TestChunkText(t *testing.T) {
	chunks, err := ChunkText("runbook.md", "abcdefghij", 4, 1, map[string]any{"source": "runbook.md"})
	require.NoError(t, err)

	var texts, ids []string
	for _, c := range chunks {
		texts = append(texts, c.Text)
		ids = append(ids, c.ChunkID)
	}
	assert.Equal(t, []string{"abcd", "defg", "ghij"}, texts)
	assert.Equal(t, []string{"runbook.md::chunk-0", "runbook.md::chunk-1", "runbook.md::chunk-2"}, ids)
	assert.Equal(t, 2, chunks[2].Metadata["chunk_index"])
	assert.Equal(t, "runbook.md", chunks[1].Source)

	_, err = ChunkText("x", "abc", 0, 0, nil)
	assert.ErrorIs(t, err, ErrChunkSize)
	_, err = ChunkText("x", "abc", 3, 3, nil)
	assert.ErrorIs(t, err, ErrChunkOverlap)

	chunks, err = ChunkText("x", "", 3, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkText_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("chunks cover the text and respect the size", prop.ForAll(
		func(text string, size, overlap int) bool {
			if overlap >= size {
				overlap = size - 1
			}
			chunks, err := ChunkText("doc", text, size, overlap, nil)
			if err != nil {
				return false
			}
			runes := []rune(text)
			if len(runes) == 0 {
				return len(chunks) == 0
			}
			var rebuilt []rune
			for i, c := range chunks {
				r := []rune(c.Text)
				if len(r) > size || len(r) == 0 {
					return false
				}
				if i == 0 {
					rebuilt = append(rebuilt, r...)
				} else {
					rebuilt = append(rebuilt, r[overlap:]...)
				}
			}
			return string(rebuilt) == text
		},
		gen.AnyString(),
		gen.IntRange(1, 50),
		gen.IntRange(0, 49),
	))

	properties.TestingRun(t)
}

func writeDocs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"runbooks/crashloop.md": "# CrashLoopBackOff\n\nCheck container restarts and previous logs with tail lines.",
		"runbooks/dns.md":       "# DNS\n\nVerify coredns pods are ready in kube-system.",
		"notes.txt":             "unrelated grocery list",
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func TestLoadDocuments(t *testing.T) {
	dir := writeDocs(t)

	docs, err := LoadDocuments(dir, []string{"md"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "runbooks/crashloop.md", docs[0].DocumentID)
	assert.Equal(t, "runbooks/crashloop.md", docs[0].Metadata["source"])

	all, err := LoadDocuments(dir, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRetriever_EndToEnd(t *testing.T) {
	dir := writeDocs(t)
	idx, err := OpenIndex("")
	require.NoError(t, err)
	defer idx.Close()

	stats, err := Ingest(context.Background(), idx, Config{DocsDir: dir, Extensions: []string{".md"}, ChunkSize: 800, ChunkOverlap: 100})
	require.NoError(t, err)
	assert.Equal(t, IngestStats{Documents: 2, Chunks: 2}, stats)
	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	rag, err := NewRetriever(idx, 0).Retrieve(context.Background(), "container restarts")
	require.NoError(t, err)
	require.NotEmpty(t, rag.Results)
	top := rag.Results[0]
	assert.Equal(t, "runbooks/crashloop.md::chunk-0", top.ChunkID)
	assert.Equal(t, "runbooks/crashloop.md", top.DocumentID)
	assert.True(t, strings.HasPrefix(rag.Text, "[runbooks/crashloop.md] # CrashLoopBackOff"))
	require.Len(t, rag.Citations, len(rag.Results))
	assert.Equal(t, top.ChunkID, rag.Citations[0].ChunkID)
	assert.Equal(t, 0, rag.Citations[0].Metadata["chunk_index"])
}

func TestOpenIndex_OnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.bleve")
	idx, err := OpenIndex(path)
	require.NoError(t, err)
	chunks, err := ChunkText("a.md", "pods pending because of taints", 100, 0, nil)
	require.NoError(t, err)
	require.NoError(t, idx.AddChunks(chunks))
	require.NoError(t, idx.Close())

	reopened, err := OpenIndex(path)
	require.NoError(t, err)
	defer reopened.Close()
	results, err := reopened.Search("taints", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.md", results[0].Source)
}
