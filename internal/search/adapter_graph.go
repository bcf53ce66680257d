package search

import (
	"context"
	"sort"
	"strconv"

	"github.com/quadfuse/quadfuse/internal/store"
)

// maxGraphSeeds bounds how many label-matched nodes seed the traversal.
// Every seed fans out up to GraphDepth hops, so the seed count is the
// main lever on graph source cost.
const maxGraphSeeds = 5

// GraphAdapter resolves query terms to seed nodes, walks outward from
// each seed, and scores reached nodes by hop proximity.
type GraphAdapter struct {
	graph store.GraphStore
}

// NewGraphAdapter wraps a graph store.
func NewGraphAdapter(graph store.GraphStore) *GraphAdapter {
	return &GraphAdapter{graph: graph}
}

// Source implements SourceAdapter.
func (a *GraphAdapter) Source() Source {
	return SourceGraph
}

// Execute finds seed nodes matching the query text, traverses up to
// GraphDepth hops from each, and converts hop distance into a similarity
// proxy of 1/(1+hops). A node reached from several seeds keeps its
// minimal distance.
func (a *GraphAdapter) Execute(ctx context.Context, q *SearchQuery) ([]SourceItem, error) {
	seeds, err := a.graph.FindNodes(ctx, q.Query, maxGraphSeeds)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	minHops := make(map[string]int)
	for _, seed := range seeds {
		hops, err := a.graph.Traverse(ctx, seed.ID, q.Options.GraphDepth)
		if err != nil {
			return nil, err
		}
		for _, h := range hops {
			if cur, ok := minHops[h.NodeID]; !ok || h.Depth < cur {
				minHops[h.NodeID] = h.Depth
			}
		}
	}

	items := make([]SourceItem, 0, len(minHops))
	for id, depth := range minHops {
		node, err := a.graph.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		it := SourceItem{
			ID:          id,
			CanonicalID: node.Props[MetaCanonicalID],
			Score:       1.0 / (1.0 + float64(depth)),
			Content:     node.Label,
			Metadata: map[string]string{
				"kind":  node.Kind,
				"depth": strconv.Itoa(depth),
			},
		}
		items = append(items, it)
	}

	// Deterministic order: proximity first, then id.
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ID < items[j].ID
	})
	if limit := candidateLimit(q.Options.TopK); len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
