package search

import (
	"context"

	qerrors "github.com/quadfuse/quadfuse/internal/errors"
	"github.com/quadfuse/quadfuse/internal/store"
)

// MetaCanonicalID is the metadata key under which backends carry a
// cross-source canonical identity.
const MetaCanonicalID = "canonical_id"

// VectorAdapter runs k-nearest-neighbor searches against the vector
// index and hydrates hits with document content.
type VectorAdapter struct {
	index store.VectorIndex
	docs  store.DocStore
}

// NewVectorAdapter wraps a vector index and its document store.
func NewVectorAdapter(index store.VectorIndex, docs store.DocStore) *VectorAdapter {
	return &VectorAdapter{index: index, docs: docs}
}

// Source implements SourceAdapter.
func (a *VectorAdapter) Source() Source {
	return SourceVector
}

// Dimensions exposes the index dimensionality so the engine can validate
// query embeddings before dispatch.
func (a *VectorAdapter) Dimensions() int {
	return a.index.Dimensions()
}

// Execute searches the index with the query embedding. An absent
// embedding is an error only when the vector source carries weight;
// otherwise the adapter answers with an empty success. Hit scores are
// already cosine-mapped into [0, 1] by the index.
func (a *VectorAdapter) Execute(ctx context.Context, q *SearchQuery) ([]SourceItem, error) {
	if len(q.Embedding) == 0 {
		if q.Options.Weights.Vector > 0 {
			return nil, qerrors.New(qerrors.ErrCodeMissingEmbedding,
				"vector search requires a query embedding", nil).
				WithSuggestion("pass an embedding, or set the vector weight to 0")
		}
		return nil, nil
	}

	hits, err := a.index.Search(ctx, q.Embedding, candidateLimit(q.Options.TopK))
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	docs, err := a.docs.GetBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]SourceItem, 0, len(hits))
	for _, h := range hits {
		it := SourceItem{ID: h.ID, Score: float64(h.Score)}
		if doc := docs[h.ID]; doc != nil {
			it.Content = doc.Content
			it.CanonicalID = doc.Meta[MetaCanonicalID]
			it.Metadata = doc.Meta
		}
		items = append(items, it)
	}
	return items, nil
}
