package store

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// MemGraphStore implements GraphStore with in-memory adjacency maps.
// Knowledge graphs at QuadFuse scale fit comfortably in memory; the
// whole graph is snapshotted to disk with gob, same format as the
// vector index sidecar.
type MemGraphStore struct {
	mu    sync.RWMutex
	nodes map[string]*GraphNode
	out   map[string][]string
	in    map[string][]string
	edges int

	closed bool
}

// graphSnapshot is the gob-encoded on-disk form.
type graphSnapshot struct {
	Nodes []*GraphNode
	Edges []*GraphEdge
}

var _ GraphStore = (*MemGraphStore)(nil)

// NewMemGraphStore creates an empty graph store.
func NewMemGraphStore() *MemGraphStore {
	return &MemGraphStore{
		nodes: make(map[string]*GraphNode),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
}

// AddNodes inserts or replaces nodes. Edges referencing a replaced
// node are kept.
func (g *MemGraphStore) AddNodes(ctx context.Context, nodes []*GraphNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return fmt.Errorf("graph store is closed")
	}

	for _, n := range nodes {
		if n.ID == "" {
			return fmt.Errorf("graph node %q has no ID", n.Label)
		}
		g.nodes[n.ID] = n
	}
	return nil
}

// AddEdges inserts edges. Both endpoints must already exist.
func (g *MemGraphStore) AddEdges(ctx context.Context, edges []*GraphEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return fmt.Errorf("graph store is closed")
	}

	for _, e := range edges {
		if _, ok := g.nodes[e.From]; !ok {
			return fmt.Errorf("edge %s-[%s]->%s: unknown node %s", e.From, e.Relation, e.To, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return fmt.Errorf("edge %s-[%s]->%s: unknown node %s", e.From, e.Relation, e.To, e.To)
		}
		g.out[e.From] = append(g.out[e.From], e.To)
		g.in[e.To] = append(g.in[e.To], e.From)
		g.edges++
	}
	return nil
}

// GetNode returns a node by ID, or nil if absent.
func (g *MemGraphStore) GetNode(ctx context.Context, id string) (*GraphNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return nil, fmt.Errorf("graph store is closed")
	}
	return g.nodes[id], nil
}

// FindNodes returns nodes whose label or property values share tokens
// with the query, ranked by overlap. Ties break by ID for stable
// output.
func (g *MemGraphStore) FindNodes(ctx context.Context, query string, limit int) ([]*GraphNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return nil, fmt.Errorf("graph store is closed")
	}

	queryTokens := TokenSet(query)
	if len(queryTokens) == 0 {
		return []*GraphNode{}, nil
	}

	type scored struct {
		node    *GraphNode
		overlap int
	}
	var candidates []scored
	for _, n := range g.nodes {
		overlap := tokenOverlap(queryTokens, nodeText(n))
		if overlap > 0 {
			candidates = append(candidates, scored{node: n, overlap: overlap})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].overlap != candidates[j].overlap {
			return candidates[i].overlap > candidates[j].overlap
		}
		return candidates[i].node.ID < candidates[j].node.ID
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	result := make([]*GraphNode, len(candidates))
	for i, c := range candidates {
		result[i] = c.node
	}
	return result, nil
}

// Traverse runs a breadth-first walk from startID up to maxDepth
// hops, following edges in both directions, and returns each reached
// node at its minimal hop distance. The start node comes first at
// depth 0. Neighbors are visited in sorted order so traversal output
// is deterministic.
func (g *MemGraphStore) Traverse(ctx context.Context, startID string, maxDepth int) ([]*TraversalHop, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return nil, fmt.Errorf("graph store is closed")
	}
	if _, ok := g.nodes[startID]; !ok {
		return nil, fmt.Errorf("unknown start node %s", startID)
	}

	visited := map[string]bool{startID: true}
	hops := []*TraversalHop{{NodeID: startID, Depth: 0}}
	frontier := []string{startID}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			neighbors := make([]string, 0, len(g.out[id])+len(g.in[id]))
			neighbors = append(neighbors, g.out[id]...)
			neighbors = append(neighbors, g.in[id]...)
			sort.Strings(neighbors)

			for _, nb := range neighbors {
				if visited[nb] {
					continue
				}
				visited[nb] = true
				hops = append(hops, &TraversalHop{NodeID: nb, Depth: depth})
				next = append(next, nb)
			}
		}
		frontier = next
	}
	return hops, nil
}

// NodeCount returns the number of nodes.
func (g *MemGraphStore) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return 0
	}
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *MemGraphStore) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return 0
	}
	return g.edges
}

// Save writes the graph snapshot atomically (temp file + rename).
func (g *MemGraphStore) Save(path string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return fmt.Errorf("graph store is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create graph directory: %w", err)
	}

	snap := graphSnapshot{Nodes: make([]*GraphNode, 0, len(g.nodes))}
	for _, n := range g.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	for from, tos := range g.out {
		for _, to := range tos {
			snap.Edges = append(snap.Edges, &GraphEdge{From: from, To: to})
		}
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].From != snap.Edges[j].From {
			return snap.Edges[i].From < snap.Edges[j].From
		}
		return snap.Edges[i].To < snap.Edges[j].To
	})

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create graph file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode graph: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close graph file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load replaces the graph contents with a snapshot from disk.
func (g *MemGraphStore) Load(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return fmt.Errorf("graph store is closed")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open graph file: %w", err)
	}
	defer f.Close()

	var snap graphSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("decode graph: %w", err)
	}

	g.nodes = make(map[string]*GraphNode, len(snap.Nodes))
	g.out = make(map[string][]string)
	g.in = make(map[string][]string)
	g.edges = 0
	for _, n := range snap.Nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range snap.Edges {
		g.out[e.From] = append(g.out[e.From], e.To)
		g.in[e.To] = append(g.in[e.To], e.From)
		g.edges++
	}
	return nil
}

// Close releases the graph. Further calls fail.
func (g *MemGraphStore) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	g.nodes = nil
	g.out = nil
	g.in = nil
	return nil
}

// nodeText concatenates the searchable text of a node.
func nodeText(n *GraphNode) map[string]struct{} {
	set := TokenSet(n.Label)
	for _, v := range n.Props {
		for tok := range TokenSet(v) {
			set[tok] = struct{}{}
		}
	}
	return set
}

// tokenOverlap counts tokens present in both sets.
func tokenOverlap(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	overlap := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			overlap++
		}
	}
	return overlap
}
