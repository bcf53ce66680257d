// Package search implements the quad-fusion engine: concurrent fan-out
// to four heterogeneous backends, per-source deadlines, and weighted
// score fusion with per-source attribution and graceful degradation.
package search

import (
	"context"
	"time"
)

// Source identifies one of the four fused backends.
type Source string

const (
	SourceVector  Source = "vector"
	SourceGraph   Source = "graph"
	SourceMemory  Source = "memory"
	SourcePattern Source = "pattern"
)

// AllSources lists the four sources in dispatch and attribution order.
// The source set is closed: adapters are dispatched through a fixed
// four-element array, never discovered dynamically.
var AllSources = [4]Source{SourceVector, SourceGraph, SourceMemory, SourcePattern}

// Weights hold the relative share each source contributes to fused
// scores. They are re-normalized to sum to 1.0 before use, and fusion
// re-normalizes again across the sources that actually responded, so a
// failed source's share is redistributed rather than lost.
type Weights struct {
	Vector  float64 `json:"vector" yaml:"vector"`
	Graph   float64 `json:"graph" yaml:"graph"`
	Memory  float64 `json:"memory" yaml:"memory"`
	Pattern float64 `json:"pattern" yaml:"pattern"`
}

// DefaultWeights returns the standard source weighting.
func DefaultWeights() Weights {
	return Weights{Vector: 0.4, Graph: 0.3, Memory: 0.2, Pattern: 0.1}
}

// Of returns the weight assigned to the given source.
func (w Weights) Of(s Source) float64 {
	switch s {
	case SourceVector:
		return w.Vector
	case SourceGraph:
		return w.Graph
	case SourceMemory:
		return w.Memory
	case SourcePattern:
		return w.Pattern
	default:
		return 0
	}
}

// Sum returns the total weight mass.
func (w Weights) Sum() float64 {
	return w.Vector + w.Graph + w.Memory + w.Pattern
}

// IsZero reports whether every weight is exactly zero.
func (w Weights) IsZero() bool {
	return w == Weights{}
}

// SearchOptions control one fused search call.
//
// The zero value is not directly usable: start from DefaultSearchOptions,
// or pass nil options to Engine.Search to take the engine defaults.
// On caller-provided options, zero-valued fields fall back to the engine
// defaults, with one deliberate exception: TopK must be set explicitly,
// because silently defaulting it would turn a malformed request into a
// well-formed one.
type SearchOptions struct {
	// TopK is the number of fused results returned. 1..MaxTopK.
	TopK int `json:"topK" yaml:"top_k"`

	// Weights distribute scoring mass across the four sources.
	// All-zero falls back to the engine default vector.
	Weights Weights `json:"weights" yaml:"weights"`

	// GraphDepth bounds graph traversal hops. 0 means the default.
	GraphDepth int `json:"graphDepth" yaml:"graph_depth"`

	// MinPatternConfidence floors pattern inclusion. 0 means the default.
	MinPatternConfidence float64 `json:"minPatternConfidence" yaml:"min_pattern_confidence"`

	// MemoryNamespace scopes the memory source. Empty means "default".
	MemoryNamespace string `json:"memoryNamespace" yaml:"memory_namespace"`

	// SourceTimeout is the per-source deadline. 0 means the default.
	SourceTimeout time.Duration `json:"sourceTimeout" yaml:"source_timeout"`

	// IncludeAttribution controls whether results carry per-source
	// provenance.
	IncludeAttribution bool `json:"includeAttribution" yaml:"include_attribution"`

	// DedupThreshold is the content-similarity floor at which two fused
	// candidates collapse into one. 0 means the default.
	DedupThreshold float64 `json:"dedupThreshold" yaml:"dedup_threshold"`
}

// SearchQuery is the immutable per-call input handed to every adapter.
// Options are fully resolved (validated, merged with defaults) before
// any adapter sees them.
type SearchQuery struct {
	Query     string
	Embedding []float32
	Options   *SearchOptions
}

// SourceItem is a single candidate produced by one source before fusion.
type SourceItem struct {
	// ID is the backend-native identifier.
	ID string

	// CanonicalID, when set, names the logical entity this item
	// represents, so the same entity surfaced by two sources merges
	// into one fused result.
	CanonicalID string

	// Score is the source-native relevance. Scales differ per source;
	// fusion normalizes within each source before combining.
	Score float64

	// Content is the item text, used for output and near-duplicate
	// collapse.
	Content string

	// Metadata carries source-specific fields (namespace, node kind, ...).
	Metadata map[string]string
}

// SourceResult is one source's settled outcome: success with items,
// timeout, or error. TimedOut refines Err for deadline losses.
type SourceResult struct {
	Source   Source
	Items    []SourceItem
	Err      error
	TimedOut bool
	Duration time.Duration
}

// Responded reports whether the source settled successfully. An empty
// item list still counts: "no matches" is a valid answer.
func (r SourceResult) Responded() bool {
	return r.Err == nil
}

// SourceStat reports one source's outcome to the caller. All four
// sources appear in Response.SourceStats regardless of success, so a
// degraded search stays auditable.
type SourceStat struct {
	Responded   bool   `json:"responded"`
	DurationMs  int64  `json:"durationMs"`
	ResultCount int    `json:"resultCount"`
	TimedOut    bool   `json:"timedOut"`
	Error       string `json:"error,omitempty"`
}

// Attribution records one source's contribution to a fused result.
type Attribution struct {
	Source          Source  `json:"source"`
	RawScore        float64 `json:"rawScore"`
	NormalizedScore float64 `json:"normalizedScore"`
	Weight          float64 `json:"weight"`
}

// Result is one fused, deduplicated search result.
type Result struct {
	// ID is the resolved identity: the canonical id when a source
	// supplied one, else the native id, else a content hash.
	ID string `json:"id"`

	// Score is the weighted fusion score in [0,1].
	Score float64 `json:"score"`

	// Content is the best available item text, preferred in source order.
	Content string `json:"content,omitempty"`

	// Sources lists contributing sources with raw and normalized scores.
	// Omitted when attribution is disabled.
	Sources []Attribution `json:"sources,omitempty"`

	// Metadata carries source-specific fields from the first
	// contributing item that had any.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ResponseMetadata summarizes fusion-level counters for one search.
type ResponseMetadata struct {
	// TotalCandidates counts distinct merged candidates before
	// near-duplicate collapse and truncation.
	TotalCandidates int `json:"totalCandidates"`

	// FusionDurationMs is wall-clock fusion time, excluding source calls.
	FusionDurationMs int64 `json:"fusionDurationMs"`

	// Cached marks responses served from the result cache.
	Cached bool `json:"cached,omitempty"`
}

// Response is the full envelope returned by one fused search.
type Response struct {
	Query       string                 `json:"query"`
	Results     []*Result              `json:"results"`
	Metadata    ResponseMetadata       `json:"metadata"`
	SourceStats map[Source]*SourceStat `json:"sourceStats"`
}

// Degraded reports whether any source failed or timed out.
func (r *Response) Degraded() bool {
	for _, stat := range r.SourceStats {
		if !stat.Responded {
			return true
		}
	}
	return false
}

// SourceAdapter translates the generic query into one backend's native
// calls and normalizes the answer into source items.
//
// Adapters are read-only over their backends. An empty item list with a
// nil error is a valid outcome ("no matches"). Errors are contained by
// the engine as per-source failures and never fail the overall search
// on their own.
type SourceAdapter interface {
	// Source names the backend this adapter wraps.
	Source() Source

	// Execute runs the backend query. Implementations must honor ctx
	// cancellation on blocking calls.
	Execute(ctx context.Context, q *SearchQuery) ([]SourceItem, error)
}

// Searcher is the fused-search contract consumed by the CLI and REPL.
type Searcher interface {
	Search(ctx context.Context, query string, embedding []float32, opts *SearchOptions) (*Response, error)
	UpdateWeights(w Weights) error
	Options() SearchOptions
}

// EngineConfig carries engine construction parameters.
type EngineConfig struct {
	// Defaults are the per-search options used when a caller passes
	// nil options. nil means DefaultSearchOptions.
	Defaults *SearchOptions

	// CacheSize bounds the fused-response LRU cache. 0 means
	// DefaultCacheSize.
	CacheSize int
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() EngineConfig {
	return EngineConfig{CacheSize: DefaultCacheSize}
}

// EngineStats reports backend population counts.
type EngineStats struct {
	Vectors    int `json:"vectors"`
	Documents  int `json:"documents"`
	GraphNodes int `json:"graphNodes"`
	GraphEdges int `json:"graphEdges"`
	Episodes   int `json:"episodes"`
	Patterns   int `json:"patterns"`
}
