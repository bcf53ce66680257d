package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// KnowledgeFile is the JSON fixture format `quadfuse load` ingests.
// Embeddings arrive precomputed; this repo never generates them.
type KnowledgeFile struct {
	// Dimensions is the embedding dimension. Zero means derive it
	// from the first document.
	Dimensions int `json:"dimensions,omitempty"`

	Documents []KnowledgeDoc     `json:"documents,omitempty"`
	Nodes     []KnowledgeNode    `json:"nodes,omitempty"`
	Edges     []KnowledgeEdge    `json:"edges,omitempty"`
	Episodes  []KnowledgeEpisode `json:"episodes,omitempty"`
	Patterns  []KnowledgePattern `json:"patterns,omitempty"`
}

// KnowledgeDoc is a document plus its precomputed embedding.
type KnowledgeDoc struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Embedding []float32         `json:"embedding"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// KnowledgeNode is a knowledge graph node.
type KnowledgeNode struct {
	ID    string            `json:"id"`
	Label string            `json:"label"`
	Kind  string            `json:"kind,omitempty"`
	Props map[string]string `json:"props,omitempty"`
}

// KnowledgeEdge is a typed edge between two nodes.
type KnowledgeEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation,omitempty"`
}

// KnowledgeEpisode is a memory entry.
type KnowledgeEpisode struct {
	ID        string   `json:"id,omitempty"`
	Namespace string   `json:"namespace,omitempty"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
}

// KnowledgePattern is a curated pattern with its confidence.
type KnowledgePattern struct {
	ID         string   `json:"id,omitempty"`
	Name       string   `json:"name"`
	Body       string   `json:"body"`
	Tags       []string `json:"tags,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Backends bundles the stores a load writes into and a search reads
// from.
type Backends struct {
	Vectors  VectorIndex
	Docs     DocStore
	Graph    GraphStore
	Memory   MemoryStore
	Patterns PatternBank
}

// LoadStats summarizes one completed load.
type LoadStats struct {
	Documents int
	Nodes     int
	Edges     int
	Episodes  int
	Patterns  int
	Elapsed   time.Duration
}

// ReadKnowledgeFile parses and validates a knowledge file.
func ReadKnowledgeFile(path string) (*KnowledgeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var kf KnowledgeFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse knowledge file %s: %w", path, err)
	}
	if err := kf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid knowledge file %s: %w", path, err)
	}
	return &kf, nil
}

// Validate checks internal consistency before anything is written.
func (kf *KnowledgeFile) Validate() error {
	if kf.Dimensions == 0 && len(kf.Documents) > 0 {
		kf.Dimensions = len(kf.Documents[0].Embedding)
	}
	for i, doc := range kf.Documents {
		if doc.ID == "" {
			return fmt.Errorf("document %d has no id", i)
		}
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %s has no embedding", doc.ID)
		}
		if len(doc.Embedding) != kf.Dimensions {
			return fmt.Errorf("document %s embedding has %d dimensions, want %d", doc.ID, len(doc.Embedding), kf.Dimensions)
		}
	}
	nodeIDs := make(map[string]struct{}, len(kf.Nodes))
	for i, n := range kf.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node %d has no id", i)
		}
		nodeIDs[n.ID] = struct{}{}
	}
	for _, e := range kf.Edges {
		if _, ok := nodeIDs[e.From]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := nodeIDs[e.To]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
	}
	for i, ep := range kf.Episodes {
		if ep.Content == "" {
			return fmt.Errorf("episode %d has no content", i)
		}
	}
	for i, p := range kf.Patterns {
		if p.Name == "" && p.Body == "" {
			return fmt.Errorf("pattern %d has neither name nor body", i)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return fmt.Errorf("pattern %d confidence %.3f out of [0,1]", i, p.Confidence)
		}
	}
	return nil
}

// Load writes a knowledge file into all backends concurrently, one
// goroutine per backend family. The first failure cancels the rest;
// a partially loaded directory is fixed by reloading.
func Load(ctx context.Context, b Backends, kf *KnowledgeFile, logger *slog.Logger) (*LoadStats, error) {
	start := time.Now()
	logger.Info("knowledge_load_started",
		slog.Int("documents", len(kf.Documents)),
		slog.Int("nodes", len(kf.Nodes)),
		slog.Int("edges", len(kf.Edges)),
		slog.Int("episodes", len(kf.Episodes)),
		slog.Int("patterns", len(kf.Patterns)))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if len(kf.Documents) == 0 {
			return nil
		}
		docs := make([]*Document, len(kf.Documents))
		ids := make([]string, len(kf.Documents))
		vectors := make([][]float32, len(kf.Documents))
		for i, d := range kf.Documents {
			docs[i] = &Document{ID: d.ID, Content: d.Content, Meta: d.Meta}
			ids[i] = d.ID
			vectors[i] = d.Embedding
		}
		if err := b.Docs.Put(gctx, docs); err != nil {
			return fmt.Errorf("load documents: %w", err)
		}
		if err := b.Vectors.Add(gctx, ids, vectors); err != nil {
			return fmt.Errorf("load vectors: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if len(kf.Nodes) == 0 {
			return nil
		}
		nodes := make([]*GraphNode, len(kf.Nodes))
		for i, n := range kf.Nodes {
			kind := n.Kind
			if kind == "" {
				kind = NodeKindConcept
			}
			nodes[i] = &GraphNode{ID: n.ID, Label: n.Label, Kind: kind, Props: n.Props}
		}
		if err := b.Graph.AddNodes(gctx, nodes); err != nil {
			return fmt.Errorf("load graph nodes: %w", err)
		}
		if len(kf.Edges) == 0 {
			return nil
		}
		edges := make([]*GraphEdge, len(kf.Edges))
		for i, e := range kf.Edges {
			edges[i] = &GraphEdge{From: e.From, To: e.To, Relation: e.Relation}
		}
		if err := b.Graph.AddEdges(gctx, edges); err != nil {
			return fmt.Errorf("load graph edges: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if len(kf.Episodes) == 0 {
			return nil
		}
		episodes := make([]*Episode, len(kf.Episodes))
		for i, ep := range kf.Episodes {
			ns := ep.Namespace
			if ns == "" {
				ns = "default"
			}
			episodes[i] = &Episode{ID: ep.ID, Namespace: ns, Content: ep.Content, Tags: ep.Tags}
		}
		if err := b.Memory.Add(gctx, episodes); err != nil {
			return fmt.Errorf("load episodes: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if len(kf.Patterns) == 0 {
			return nil
		}
		patterns := make([]*Pattern, len(kf.Patterns))
		for i, p := range kf.Patterns {
			id := p.ID
			if id == "" {
				id = uuid.NewString()
			}
			patterns[i] = &Pattern{ID: id, Name: p.Name, Body: p.Body, Tags: p.Tags, Confidence: p.Confidence}
		}
		if err := b.Patterns.Index(gctx, patterns); err != nil {
			return fmt.Errorf("load patterns: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &LoadStats{
		Documents: len(kf.Documents),
		Nodes:     len(kf.Nodes),
		Edges:     len(kf.Edges),
		Episodes:  len(kf.Episodes),
		Patterns:  len(kf.Patterns),
		Elapsed:   time.Since(start),
	}
	logger.Info("knowledge_load_complete",
		slog.Int("documents", stats.Documents),
		slog.Int("nodes", stats.Nodes),
		slog.Int("edges", stats.Edges),
		slog.Int("episodes", stats.Episodes),
		slog.Int("patterns", stats.Patterns),
		slog.Duration("elapsed", stats.Elapsed))
	return stats, nil
}
