package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	qerrors "github.com/quadfuse/quadfuse/internal/errors"
	"github.com/quadfuse/quadfuse/internal/store"
	"github.com/quadfuse/quadfuse/internal/telemetry"
)

// MaxQueryLength is the maximum accepted query size in bytes.
const MaxQueryLength = 1024

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Engine orchestrates quad-fusion search: it fans a query out to the
// vector, graph, memory, and pattern sources in parallel, enforces a
// per-source deadline, and fuses whatever responded into one ranked
// result set. A single healthy source is enough to serve a search.
type Engine struct {
	adapters [4]SourceAdapter
	fuser    *Fuser
	defaults atomic.Pointer[SearchOptions]
	cache    *resultCache
	metrics  *telemetry.QueryMetrics
	logger   *slog.Logger
	backends *store.Backends
}

var _ Searcher = (*Engine)(nil)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger used by the engine and its fuser.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches a telemetry recorder. Without one, searches are
// not recorded.
func WithMetrics(m *telemetry.QueryMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates a search engine over the four knowledge backends.
// All five stores are required; cfg may be nil for defaults.
func NewEngine(vectors store.VectorIndex, docs store.DocStore, graph store.GraphStore, memory store.MemoryStore, patterns store.PatternBank, cfg *EngineConfig, opts ...EngineOption) (*Engine, error) {
	if vectors == nil {
		return nil, fmt.Errorf("%w: vector index is required", ErrNilDependency)
	}
	if docs == nil {
		return nil, fmt.Errorf("%w: document store is required", ErrNilDependency)
	}
	if graph == nil {
		return nil, fmt.Errorf("%w: graph store is required", ErrNilDependency)
	}
	if memory == nil {
		return nil, fmt.Errorf("%w: memory store is required", ErrNilDependency)
	}
	if patterns == nil {
		return nil, fmt.Errorf("%w: pattern bank is required", ErrNilDependency)
	}

	adapters := [4]SourceAdapter{
		NewVectorAdapter(vectors, docs),
		NewGraphAdapter(graph),
		NewMemoryAdapter(memory),
		NewPatternAdapter(patterns),
	}
	e, err := newEngine(adapters, cfg, opts...)
	if err != nil {
		return nil, err
	}
	e.backends = &store.Backends{
		Vectors:  vectors,
		Docs:     docs,
		Graph:    graph,
		Memory:   memory,
		Patterns: patterns,
	}
	return e, nil
}

// newEngine wires an engine over pre-built adapters. Tests use this to
// substitute scripted sources; Stats and Close need the store-backed
// constructor.
func newEngine(adapters [4]SourceAdapter, cfg *EngineConfig, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}
	resolved, err := ResolveOptions(cfg.Defaults, DefaultSearchOptions())
	if err != nil {
		return nil, fmt.Errorf("engine defaults: %w", err)
	}

	e := &Engine{
		adapters: adapters,
		cache:    newResultCache(cfg.CacheSize),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.fuser = NewFuser(e.logger)
	e.defaults.Store(resolved)
	return e, nil
}

// Search runs one fused search. Input validation happens before any
// source is dispatched; after dispatch, per-source failures degrade the
// response instead of failing it. The error is non-nil only for invalid
// input, caller cancellation, total source failure, or a fusion
// invariant violation.
func (e *Engine) Search(ctx context.Context, query string, embedding []float32, opts *SearchOptions) (*Response, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, qerrors.QueryError("query must not be empty", nil)
	}
	if len(query) > MaxQueryLength {
		return nil, qerrors.QueryError(
			fmt.Sprintf("query exceeds %d bytes, got %d", MaxQueryLength, len(query)), nil)
	}
	if err := e.validateEmbedding(embedding); err != nil {
		return nil, err
	}
	resolved, err := ResolveOptions(opts, e.defaults.Load())
	if err != nil {
		return nil, err
	}

	key := fingerprint(query, embedding, resolved)
	if resp, ok := e.cache.get(key); ok {
		e.logger.Debug("cache_hit", slog.String("query", query))
		e.record(resp, embedding, time.Since(start))
		return resp, nil
	}

	outcomes := e.dispatch(ctx, &SearchQuery{Query: query, Embedding: embedding, Options: resolved})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	stats := make(map[Source]*SourceStat, len(outcomes))
	var failures []error
	responded := 0
	for _, out := range outcomes {
		st := &SourceStat{
			Responded:   out.Responded(),
			DurationMs:  out.Duration.Milliseconds(),
			ResultCount: len(out.Items),
			TimedOut:    out.TimedOut,
		}
		if out.Err != nil {
			st.Error = out.Err.Error()
			failures = append(failures, fmt.Errorf("%s: %w", out.Source, out.Err))
		} else {
			responded++
		}
		stats[out.Source] = st
	}
	if responded == 0 {
		return nil, qerrors.AllSourcesFailed(errors.Join(failures...))
	}

	fuseStart := time.Now()
	results, total, err := e.fuser.Fuse(outcomes, resolved)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Query:   query,
		Results: results,
		Metadata: ResponseMetadata{
			TotalCandidates:  total,
			FusionDurationMs: time.Since(fuseStart).Milliseconds(),
		},
		SourceStats: stats,
	}
	e.cache.add(key, resp)
	e.record(resp, embedding, time.Since(start))
	e.logger.Debug("search_complete",
		slog.String("query", query),
		slog.Int("results", len(results)),
		slog.Int("candidates", total),
		slog.Int("responded", responded),
		slog.Duration("took", time.Since(start)))
	return resp, nil
}

// validateEmbedding rejects non-finite values and a dimension mismatch
// against the vector index. An empty embedding passes; the vector
// adapter decides whether it can serve the call without one.
func (e *Engine) validateEmbedding(embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}
	for i, v := range embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return qerrors.New(qerrors.ErrCodeInvalidEmbedding,
				fmt.Sprintf("embedding[%d] is %g", i, f), nil)
		}
	}
	if d, ok := e.adapters[0].(interface{ Dimensions() int }); ok {
		if want := d.Dimensions(); want > 0 && len(embedding) != want {
			return qerrors.New(qerrors.ErrCodeInvalidEmbedding,
				fmt.Sprintf("embedding has %d dimensions, index expects %d", len(embedding), want), nil)
		}
	}
	return nil
}

// dispatch fans the query out to all four sources in parallel and
// collects their settled outcomes in fixed slot order. Each source runs
// under its own deadline; one source's failure or timeout never cancels
// another. fanCtx is cancelled only after every branch has settled,
// which releases any straggler adapter goroutines.
func (e *Engine) dispatch(ctx context.Context, q *SearchQuery) []SourceResult {
	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]SourceResult, len(e.adapters))
	var g errgroup.Group
	for i, a := range e.adapters {
		g.Go(func() error {
			outcomes[i] = e.runSource(fanCtx, a, q)
			return nil
		})
	}
	g.Wait()
	return outcomes
}

type sourceReply struct {
	items []SourceItem
	err   error
}

// runSource executes one adapter under the per-source deadline. The
// adapter runs in its own goroutine so a stuck backend cannot hold the
// fan-out past its budget: on timeout the outcome settles immediately
// and the eventual late reply is absorbed by the buffered channel.
// Panics are contained as internal errors so one broken adapter
// degrades the search instead of crashing it.
func (e *Engine) runSource(ctx context.Context, a SourceAdapter, q *SearchQuery) SourceResult {
	src := a.Source()
	timeout := q.Options.SourceTimeout
	start := time.Now()

	ch := make(chan sourceReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- sourceReply{err: qerrors.InternalError(
					fmt.Sprintf("%s adapter panicked: %v", src, r), nil)}
			}
		}()
		items, err := a.Execute(ctx, q)
		ch <- sourceReply{items: items, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	res := SourceResult{Source: src}
	select {
	case reply := <-ch:
		res.Items = reply.items
		if reply.err != nil {
			res.Err = containSourceError(src, reply.err)
			res.TimedOut = qerrors.IsTimeout(res.Err)
			e.logger.Warn("source_failed",
				slog.String("source", string(src)),
				slog.String("error", res.Err.Error()))
		}
	case <-timer.C:
		res.Err = qerrors.TimeoutError(string(src), timeout.Milliseconds())
		res.TimedOut = true
		e.logger.Warn("source_timeout",
			slog.String("source", string(src)),
			slog.Duration("timeout", timeout))
	case <-ctx.Done():
		res.Err = containSourceError(src, ctx.Err())
	}
	res.Duration = time.Since(start)
	return res
}

// containSourceError classifies a raw adapter error as a contained
// source failure. Errors already carrying a code pass through.
func containSourceError(src Source, err error) error {
	if qerrors.GetCode(err) != "" {
		return err
	}
	return qerrors.SourceError(string(src), err.Error(), err)
}

// UpdateWeights atomically replaces the default fusion weights. The
// stored weights are normalized to sum to one. In-flight searches keep
// the snapshot they resolved at dispatch.
func (e *Engine) UpdateWeights(w Weights) error {
	if err := ValidateWeights(w); err != nil {
		return err
	}
	cur := *e.defaults.Load()
	cur.Weights = w.normalized()
	e.defaults.Store(&cur)
	e.logger.Info("weights_updated",
		slog.Float64("vector", cur.Weights.Vector),
		slog.Float64("graph", cur.Weights.Graph),
		slog.Float64("memory", cur.Weights.Memory),
		slog.Float64("pattern", cur.Weights.Pattern))
	return nil
}

// Options returns a snapshot of the current default options.
func (e *Engine) Options() SearchOptions {
	return *e.defaults.Load()
}

// Stats reports entity counts across the four backends.
func (e *Engine) Stats(ctx context.Context) (*EngineStats, error) {
	if e.backends == nil {
		return nil, fmt.Errorf("%w: engine was built without backends", ErrNilDependency)
	}
	docs, err := e.backends.Docs.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	episodes, err := e.backends.Memory.Count(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("count episodes: %w", err)
	}
	patterns, err := e.backends.Patterns.Count()
	if err != nil {
		return nil, fmt.Errorf("count patterns: %w", err)
	}
	return &EngineStats{
		Vectors:    e.backends.Vectors.Count(),
		Documents:  docs,
		GraphNodes: e.backends.Graph.NodeCount(),
		GraphEdges: e.backends.Graph.EdgeCount(),
		Episodes:   episodes,
		Patterns:   patterns,
	}, nil
}

// Close releases all backend resources.
func (e *Engine) Close() error {
	if e.backends == nil {
		return nil
	}
	return errors.Join(
		e.backends.Vectors.Close(),
		e.backends.Docs.Close(),
		e.backends.Graph.Close(),
		e.backends.Memory.Close(),
		e.backends.Patterns.Close(),
	)
}

// record forwards the search outcome to telemetry when configured.
// Cache hits consulted no sources, so their events carry no per-source
// outcomes; the original call already counted those.
func (e *Engine) record(resp *Response, embedding []float32, took time.Duration) {
	if e.metrics == nil {
		return
	}
	ev := telemetry.SearchEvent{
		Query:       resp.Query,
		ResultCount: len(resp.Results),
		Latency:     took,
		Cached:      resp.Metadata.Cached,
	}
	if !resp.Metadata.Cached {
		for _, src := range AllSources {
			st, ok := resp.SourceStats[src]
			if !ok {
				continue
			}
			switch {
			case st.TimedOut:
				ev.TimedOut = append(ev.TimedOut, string(src))
			case st.Responded:
				ev.Responded = append(ev.Responded, string(src))
			default:
				ev.Failed = append(ev.Failed, string(src))
			}
		}
	}
	e.metrics.Record(ev)
	e.metrics.RecordQueryEmbedding(embedding)
}
