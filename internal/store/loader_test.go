package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Knowledge Loader Tests
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBackends(t *testing.T) Backends {
	t.Helper()
	vec, err := NewHNSWIndex(DefaultVectorConfig(4))
	require.NoError(t, err)
	docs, err := NewSQLiteDocStore("")
	require.NoError(t, err)
	mem, err := NewSQLiteMemoryStore("")
	require.NoError(t, err)
	bank, err := NewBlevePatternBank("")
	require.NoError(t, err)
	graph := NewMemGraphStore()

	t.Cleanup(func() {
		_ = vec.Close()
		_ = docs.Close()
		_ = mem.Close()
		_ = bank.Close()
		_ = graph.Close()
	})
	return Backends{Vectors: vec, Docs: docs, Graph: graph, Memory: mem, Patterns: bank}
}

func sampleKnowledge() *KnowledgeFile {
	return &KnowledgeFile{
		Dimensions: 4,
		Documents: []KnowledgeDoc{
			{ID: "d1", Content: "auth service overview", Embedding: []float32{1, 0, 0, 0}},
			{ID: "d2", Content: "token rotation runbook", Embedding: []float32{0, 1, 0, 0}},
		},
		Nodes: []KnowledgeNode{
			{ID: "auth", Label: "Authentication"},
			{ID: "jwt", Label: "JWT"},
		},
		Edges: []KnowledgeEdge{
			{From: "auth", To: "jwt", Relation: "uses"},
		},
		Episodes: []KnowledgeEpisode{
			{Content: "rotated the signing key", Tags: []string{"ops"}},
		},
		Patterns: []KnowledgePattern{
			{Name: "Key rotation", Body: "rotate signing keys on schedule", Confidence: 0.8},
		},
	}
}

func TestLoad_PopulatesAllBackends(t *testing.T) {
	// Given: empty backends and a knowledge file
	b := newTestBackends(t)
	kf := sampleKnowledge()

	// When: loading
	stats, err := Load(context.Background(), b, kf, discardLogger())
	require.NoError(t, err)

	// Then: every backend holds its share and the stats agree
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, 1, stats.Edges)
	assert.Equal(t, 1, stats.Episodes)
	assert.Equal(t, 1, stats.Patterns)

	assert.Equal(t, 2, b.Vectors.Count())
	docCount, err := b.Docs.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, docCount)
	assert.Equal(t, 2, b.Graph.NodeCount())
	epCount, err := b.Memory.Count(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, 1, epCount)
	patCount, err := b.Patterns.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, patCount)
}

func TestLoad_VectorHitsResolveToDocs(t *testing.T) {
	// Given: a loaded knowledge file
	b := newTestBackends(t)
	_, err := Load(context.Background(), b, sampleKnowledge(), discardLogger())
	require.NoError(t, err)

	// When: searching vectors and resolving the hits
	hits, err := b.Vectors.Search(context.Background(), []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	doc, err := b.Docs.Get(context.Background(), hits[0].ID)
	require.NoError(t, err)

	// Then: the content round-trips through both stores
	require.NotNil(t, doc)
	assert.Equal(t, "auth service overview", doc.Content)
}

func TestReadKnowledgeFile_ParsesJSON(t *testing.T) {
	// Given: a knowledge file on disk
	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge.json")
	payload := `{
		"documents": [{"id": "d1", "content": "hello", "embedding": [1, 0]}],
		"episodes": [{"content": "a note"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	// When: reading it
	kf, err := ReadKnowledgeFile(path)
	require.NoError(t, err)

	// Then: dimensions are derived from the first document
	assert.Equal(t, 2, kf.Dimensions)
	require.Len(t, kf.Documents, 1)
	require.Len(t, kf.Episodes, 1)
}

func TestKnowledgeFile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*KnowledgeFile)
		wantErr string
	}{
		{
			name:    "valid file passes",
			mutate:  func(kf *KnowledgeFile) {},
			wantErr: "",
		},
		{
			name: "document missing id",
			mutate: func(kf *KnowledgeFile) {
				kf.Documents[0].ID = ""
			},
			wantErr: "has no id",
		},
		{
			name: "document missing embedding",
			mutate: func(kf *KnowledgeFile) {
				kf.Documents[0].Embedding = nil
			},
			wantErr: "has no embedding",
		},
		{
			name: "mismatched dimensions",
			mutate: func(kf *KnowledgeFile) {
				kf.Documents[1].Embedding = []float32{1, 2}
			},
			wantErr: "dimensions",
		},
		{
			name: "edge to unknown node",
			mutate: func(kf *KnowledgeFile) {
				kf.Edges[0].To = "ghost"
			},
			wantErr: "unknown node",
		},
		{
			name: "episode without content",
			mutate: func(kf *KnowledgeFile) {
				kf.Episodes[0].Content = ""
			},
			wantErr: "has no content",
		},
		{
			name: "pattern confidence out of range",
			mutate: func(kf *KnowledgeFile) {
				kf.Patterns[0].Confidence = 1.5
			},
			wantErr: "out of [0,1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kf := sampleKnowledge()
			tt.mutate(kf)

			err := kf.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoad_EmptySectionsAreFine(t *testing.T) {
	b := newTestBackends(t)

	stats, err := Load(context.Background(), b, &KnowledgeFile{}, discardLogger())

	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
	assert.Zero(t, stats.Patterns)
}

// ============================================================================
// Dir Lock Tests
// ============================================================================

func TestDirLock_ExclusiveAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	// Given: one holder of the lock
	l1 := NewDirLock(dir)
	require.NoError(t, l1.Lock())
	assert.True(t, l1.IsLocked())

	// When: a second instance tries
	l2 := NewDirLock(dir)
	acquired, err := l2.TryLock()
	require.NoError(t, err)

	// Then: it is refused until the first releases
	assert.False(t, acquired)

	require.NoError(t, l1.Unlock())
	acquired, err = l2.TryLock()
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, l2.Unlock())
}

func TestDirLock_UnlockWithoutLockIsSafe(t *testing.T) {
	l := NewDirLock(t.TempDir())

	assert.NoError(t, l.Unlock())
	assert.False(t, l.IsLocked())
}

func TestDirLock_PathInsideDir(t *testing.T) {
	dir := t.TempDir()
	l := NewDirLock(dir)

	assert.Equal(t, filepath.Join(dir, ".quadfuse.lock"), l.Path())
}
