// Package store provides the four QuadFuse backends: an HNSW vector
// index, an in-memory knowledge graph, a SQLite FTS5 episode store,
// and a bleve-backed pattern bank. This is the persistence layer the
// search adapters read from.
package store

import (
	"context"
	"fmt"
	"time"
)

// VectorHit represents a single vector search result.
type VectorHit struct {
	ID       string  // Document ID
	Distance float32 // Lower is more similar (0-2 for cosine)
	Score    float32 // Normalized similarity (0-1)
}

// VectorConfig configures the vector index.
type VectorConfig struct {
	// Dimensions is the vector dimension; all vectors must match.
	Dimensions int

	// Metric is the distance metric: "cos" (cosine), "l2" (euclidean) (default: "cos")
	Metric string

	// M is HNSW max connections per layer (default: 32)
	M int

	// EfConstruction is HNSW build-time search width (default: 128)
	EfConstruction int

	// EfSearch is HNSW query-time search width (default: 64)
	EfSearch int
}

// DefaultVectorConfig returns sensible defaults for the vector index.
func DefaultVectorConfig(dimensions int) VectorConfig {
	return VectorConfig{
		Dimensions:     dimensions,
		Metric:         "cos",
		M:              32,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorIndex provides nearest-neighbor search over document embeddings.
type VectorIndex interface {
	// Add inserts vectors with their IDs. If an ID exists, it is replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search finds the k nearest neighbors to the query vector.
	Search(ctx context.Context, query []float32, k int) ([]*VectorHit, error)

	// Delete removes vectors by ID.
	Delete(ctx context.Context, ids []string) error

	// Contains checks if ID exists.
	Contains(id string) bool

	// Count returns number of vectors.
	Count() int

	// Dimensions returns the configured vector dimension, used to
	// validate query embeddings before dispatch.
	Dimensions() int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// Node kinds in the knowledge graph. The set is advisory; loaders may
// introduce their own kinds.
const (
	NodeKindConcept  = "concept"
	NodeKindEntity   = "entity"
	NodeKindDocument = "document"
)

// GraphNode is a single node in the knowledge graph.
type GraphNode struct {
	ID    string
	Label string
	Kind  string
	Props map[string]string
}

// GraphEdge is a directed, typed edge between two nodes.
type GraphEdge struct {
	From     string
	To       string
	Relation string
}

// TraversalHop records one node reached during traversal and its hop
// distance from the start node (0 = the start node itself).
type TraversalHop struct {
	NodeID string
	Depth  int
}

// GraphStore provides label lookup and bounded traversal over the
// knowledge graph.
type GraphStore interface {
	// AddNodes inserts or replaces nodes.
	AddNodes(ctx context.Context, nodes []*GraphNode) error

	// AddEdges inserts edges. Both endpoints must exist.
	AddEdges(ctx context.Context, edges []*GraphEdge) error

	// GetNode returns a node by ID, or nil if absent.
	GetNode(ctx context.Context, id string) (*GraphNode, error)

	// FindNodes returns nodes whose label or properties match the
	// query terms, best matches first.
	FindNodes(ctx context.Context, query string, limit int) ([]*GraphNode, error)

	// Traverse walks from startID up to maxDepth hops, following
	// edges in both directions, and returns every reached node at its
	// minimal hop distance.
	Traverse(ctx context.Context, startID string, maxDepth int) ([]*TraversalHop, error)

	// NodeCount returns the number of nodes.
	NodeCount() int

	// EdgeCount returns the number of edges.
	EdgeCount() int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// Document is a unit of searchable content. The vector index holds
// its embedding; the doc store holds the content the index cannot.
type Document struct {
	ID      string
	Content string
	Meta    map[string]string
}

// DocStore resolves document IDs back to their content, used to fill
// in vector hits after a nearest-neighbor search.
type DocStore interface {
	// Put inserts or replaces documents.
	Put(ctx context.Context, docs []*Document) error

	// Get returns a document by ID, or nil if absent.
	Get(ctx context.Context, id string) (*Document, error)

	// GetBatch returns the documents for ids that exist, keyed by ID.
	GetBatch(ctx context.Context, ids []string) (map[string]*Document, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Episode is one stored memory entry, scoped to a namespace.
type Episode struct {
	ID        string
	Namespace string
	Content   string
	Tags      []string
	CreatedAt time.Time
}

// EpisodeHit is an episode matched by a memory search.
type EpisodeHit struct {
	Episode *Episode
	Score   float64 // Full-text relevance, unnormalized
}

// MemoryStore persists episodes and serves namespace-scoped full-text
// lookups.
type MemoryStore interface {
	// Add inserts episodes. Episodes without an ID are assigned one.
	Add(ctx context.Context, episodes []*Episode) error

	// Search returns episodes in the namespace matching the query,
	// most relevant first.
	Search(ctx context.Context, namespace, query string, limit int) ([]*EpisodeHit, error)

	// Get returns an episode by ID, or nil if absent.
	Get(ctx context.Context, id string) (*Episode, error)

	// Count returns the number of episodes in a namespace; empty
	// namespace counts all.
	Count(ctx context.Context, namespace string) (int, error)

	Close() error
}

// Pattern is a reusable, confidence-scored knowledge pattern.
type Pattern struct {
	ID         string
	Name       string
	Body       string
	Tags       []string
	Confidence float64 // [0,1], assigned at curation time
}

// PatternMatch is a pattern matched by a bank query.
type PatternMatch struct {
	Pattern *Pattern
	Score   float64 // Full-text relevance, unnormalized
}

// PatternBank serves confidence-scored pattern matches.
type PatternBank interface {
	// Index adds or replaces patterns.
	Index(ctx context.Context, patterns []*Pattern) error

	// Match returns patterns matching the query, most relevant first.
	// Confidence filtering is the caller's concern.
	Match(ctx context.Context, query string, limit int) ([]*PatternMatch, error)

	// Count returns the number of indexed patterns.
	Count() (int, error)

	Close() error
}

// ErrDimensionMismatch indicates a vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (reload with 'quadfuse load --rebuild')", e.Expected, e.Got)
}
