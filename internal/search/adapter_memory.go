package search

import (
	"context"
	"strings"
	"time"

	"github.com/quadfuse/quadfuse/internal/store"
)

// MemoryAdapter searches episodic memory inside the query's namespace.
type MemoryAdapter struct {
	memory store.MemoryStore
}

// NewMemoryAdapter wraps a memory store.
func NewMemoryAdapter(memory store.MemoryStore) *MemoryAdapter {
	return &MemoryAdapter{memory: memory}
}

// Source implements SourceAdapter.
func (a *MemoryAdapter) Source() Source {
	return SourceMemory
}

// Execute runs a full-text search over episodes in the configured
// namespace. Scores are raw relevance values; fusion normalizes them
// against this call's own score range.
func (a *MemoryAdapter) Execute(ctx context.Context, q *SearchQuery) ([]SourceItem, error) {
	hits, err := a.memory.Search(ctx, q.Options.MemoryNamespace, q.Query, candidateLimit(q.Options.TopK))
	if err != nil {
		return nil, err
	}

	items := make([]SourceItem, 0, len(hits))
	for _, h := range hits {
		meta := map[string]string{"namespace": h.Episode.Namespace}
		if len(h.Episode.Tags) > 0 {
			meta["tags"] = strings.Join(h.Episode.Tags, ",")
		}
		if !h.Episode.CreatedAt.IsZero() {
			meta["created_at"] = h.Episode.CreatedAt.UTC().Format(time.RFC3339)
		}
		items = append(items, SourceItem{
			ID:       h.Episode.ID,
			Score:    h.Score,
			Content:  h.Episode.Content,
			Metadata: meta,
		})
	}
	return items, nil
}
