package search

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quadfuse/quadfuse/internal/errors"
	"github.com/quadfuse/quadfuse/internal/telemetry"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeAdapter scripts one source's behavior for orchestration tests.
type fakeAdapter struct {
	src    Source
	items  []SourceItem
	err    error
	delay  time.Duration
	panics bool
	dims   int
	calls  atomic.Int32
}

func (f *fakeAdapter) Source() Source { return f.src }

func (f *fakeAdapter) Dimensions() int { return f.dims }

func (f *fakeAdapter) Execute(ctx context.Context, q *SearchQuery) ([]SourceItem, error) {
	f.calls.Add(1)
	if f.panics {
		panic("scripted panic")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func healthySource(src Source, items ...SourceItem) *fakeAdapter {
	return &fakeAdapter{src: src, items: items}
}

func failingSource(src Source) *fakeAdapter {
	return &fakeAdapter{src: src, err: errors.New("backend down")}
}

func slowSource(src Source, delay time.Duration) *fakeAdapter {
	return &fakeAdapter{src: src, delay: delay}
}

// newFakeEngine builds an engine over scripted adapters. Sources not
// listed respond healthy and empty.
func newFakeEngine(t *testing.T, cfg *EngineConfig, fakes ...*fakeAdapter) *Engine {
	t.Helper()
	bySource := make(map[Source]*fakeAdapter, len(fakes))
	for _, f := range fakes {
		bySource[f.src] = f
	}
	var adapters [4]SourceAdapter
	for i, src := range AllSources {
		f, ok := bySource[src]
		if !ok {
			f = healthySource(src)
		}
		adapters[i] = f
	}
	e, err := newEngine(adapters, cfg, WithLogger(discardLogger()))
	require.NoError(t, err)
	return e
}

// quickOpts keeps timeout tests fast; unset fields merge engine defaults.
func quickOpts() *SearchOptions {
	return &SearchOptions{TopK: 10, SourceTimeout: 50 * time.Millisecond}
}

// ============================================================================
// Input Validation
// ============================================================================

func TestEngine_Search_RejectsEmptyQuery(t *testing.T) {
	vec := healthySource(SourceVector)
	e := newFakeEngine(t, nil, vec)

	for _, query := range []string{"", "   ", "\t\n"} {
		_, err := e.Search(context.Background(), query, nil, nil)
		require.Error(t, err, "query %q", query)
		assert.Equal(t, qerrors.ErrCodeInvalidQuery, qerrors.GetCode(err))
	}

	// Then: rejected before any source dispatch.
	assert.Equal(t, int32(0), vec.calls.Load())
}

func TestEngine_Search_RejectsOversizedQuery(t *testing.T) {
	e := newFakeEngine(t, nil)

	_, err := e.Search(context.Background(), strings.Repeat("q", MaxQueryLength+1), nil, nil)

	require.Error(t, err)
	assert.Equal(t, qerrors.ErrCodeInvalidQuery, qerrors.GetCode(err))
}

func TestEngine_Search_RejectsNonFiniteEmbedding(t *testing.T) {
	vec := healthySource(SourceVector)
	e := newFakeEngine(t, nil, vec)

	bad := [][]float32{
		{1, float32(math.NaN()), 0},
		{float32(math.Inf(1))},
		{0, float32(math.Inf(-1))},
	}
	for _, embedding := range bad {
		_, err := e.Search(context.Background(), "finite check", embedding, nil)
		require.Error(t, err)
		assert.Equal(t, qerrors.ErrCodeInvalidEmbedding, qerrors.GetCode(err))
	}
	assert.Equal(t, int32(0), vec.calls.Load())
}

func TestEngine_Search_RejectsMismatchedEmbeddingDimensions(t *testing.T) {
	// Given: a vector source indexing 8-dimensional embeddings.
	vec := healthySource(SourceVector)
	vec.dims = 8
	e := newFakeEngine(t, nil, vec)

	// When: the query embedding has 4 dimensions.
	_, err := e.Search(context.Background(), "dimension check", make([]float32, 4), nil)

	// Then
	require.Error(t, err)
	assert.Equal(t, qerrors.ErrCodeInvalidEmbedding, qerrors.GetCode(err))

	// And: a matching embedding passes.
	_, err = e.Search(context.Background(), "dimension check", make([]float32, 8), nil)
	require.NoError(t, err)
}

func TestEngine_Search_RejectsInvalidOptionsBeforeDispatch(t *testing.T) {
	tests := []struct {
		name string
		opts *SearchOptions
	}{
		{"zero topK", &SearchOptions{}},
		{"negative topK", &SearchOptions{TopK: -1}},
		{"topK above max", &SearchOptions{TopK: MaxTopK + 1}},
		{"graph depth above max", &SearchOptions{TopK: 5, GraphDepth: MaxGraphDepth + 1}},
		{"timeout above max", &SearchOptions{TopK: 5, SourceTimeout: MaxSourceTimeout + time.Millisecond}},
		{"negative timeout", &SearchOptions{TopK: 5, SourceTimeout: -time.Millisecond}},
		{"dedup threshold above one", &SearchOptions{TopK: 5, DedupThreshold: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vec := healthySource(SourceVector)
			e := newFakeEngine(t, nil, vec)

			_, err := e.Search(context.Background(), "options check", nil, tt.opts)

			require.Error(t, err)
			assert.Equal(t, qerrors.ErrCodeInvalidOptions, qerrors.GetCode(err))
			assert.Equal(t, int32(0), vec.calls.Load())
		})
	}
}

func TestEngine_Search_RejectsBadWeights(t *testing.T) {
	e := newFakeEngine(t, nil)

	for _, w := range []Weights{
		{Vector: -0.1},
		{Vector: math.NaN()},
		{Graph: math.Inf(1)},
	} {
		_, err := e.Search(context.Background(), "weights check", nil, &SearchOptions{TopK: 5, Weights: w})
		require.Error(t, err)
		assert.Equal(t, qerrors.ErrCodeInvalidWeights, qerrors.GetCode(err))
	}
}

// ============================================================================
// Fan-Out and Graceful Degradation
// ============================================================================

func TestEngine_Search_FusesAllHealthySources(t *testing.T) {
	// Given: one distinct item per source; nil options take defaults.
	e := newFakeEngine(t, nil,
		healthySource(SourceVector, SourceItem{ID: "v", Score: 0.9}),
		healthySource(SourceGraph, SourceItem{ID: "g", Score: 2.0}),
		healthySource(SourceMemory, SourceItem{ID: "m", Score: 0.7}),
		healthySource(SourcePattern, SourceItem{ID: "p", Score: 0.8}),
	)

	// When
	resp, err := e.Search(context.Background(), "how to retry failed requests", nil, nil)

	// Then: single-item sources normalize to 1.0, so each fused score is
	// exactly the source's default weight.
	require.NoError(t, err)
	require.Len(t, resp.Results, 4)
	assert.Equal(t, "v", resp.Results[0].ID)
	assert.InDelta(t, 0.4, resp.Results[0].Score, 1e-9)
	assert.Equal(t, "g", resp.Results[1].ID)
	assert.InDelta(t, 0.3, resp.Results[1].Score, 1e-9)
	assert.Equal(t, "m", resp.Results[2].ID)
	assert.InDelta(t, 0.2, resp.Results[2].Score, 1e-9)
	assert.Equal(t, "p", resp.Results[3].ID)
	assert.InDelta(t, 0.1, resp.Results[3].Score, 1e-9)

	assert.Equal(t, "how to retry failed requests", resp.Query)
	assert.Equal(t, 4, resp.Metadata.TotalCandidates)
	assert.False(t, resp.Degraded())
	require.Len(t, resp.SourceStats, 4)
	for src, st := range resp.SourceStats {
		assert.True(t, st.Responded, "source %s", src)
		assert.Equal(t, 1, st.ResultCount, "source %s", src)
	}
}

func TestEngine_Search_DegradesWhenSourceTimesOut(t *testing.T) {
	// Given: graph stuck well past the per-source deadline; the others
	// agree as in the canonical degradation scenario.
	e := newFakeEngine(t, nil,
		healthySource(SourceVector, SourceItem{ID: "v1", Score: 0.9, Content: "circuit breaker"}),
		slowSource(SourceGraph, 400*time.Millisecond),
		healthySource(SourceMemory, SourceItem{ID: "v1", Score: 0.4, Content: "circuit breaker"}),
		healthySource(SourcePattern, SourceItem{ID: "p1", Score: 0.6, Content: "retry budget"}),
	)

	// When
	start := time.Now()
	resp, err := e.Search(context.Background(), "resilience patterns", nil, quickOpts())
	elapsed := time.Since(start)

	// Then: the remaining weight mass (0.7) is redistributed.
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "v1", resp.Results[0].ID)
	assert.InDelta(t, 6.0/7.0, resp.Results[0].Score, 1e-9)
	assert.Equal(t, "p1", resp.Results[1].ID)
	assert.InDelta(t, 1.0/7.0, resp.Results[1].Score, 1e-9)

	assert.True(t, resp.Degraded())
	graphStat := resp.SourceStats[SourceGraph]
	require.NotNil(t, graphStat)
	assert.False(t, graphStat.Responded)
	assert.True(t, graphStat.TimedOut)
	assert.NotEmpty(t, graphStat.Error)

	// And: the stuck source never held the fan-out to its own pace.
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestEngine_Search_SingleHealthySourceServes(t *testing.T) {
	// Given
	e := newFakeEngine(t, nil,
		healthySource(SourceVector, SourceItem{ID: "only", Score: 0.5}),
		failingSource(SourceGraph),
		failingSource(SourceMemory),
		failingSource(SourcePattern),
	)

	// When
	resp, err := e.Search(context.Background(), "lone survivor", nil, nil)

	// Then: the sole responder carries the full weight mass.
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "only", resp.Results[0].ID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-9)
	for _, src := range []Source{SourceGraph, SourceMemory, SourcePattern} {
		st := resp.SourceStats[src]
		require.NotNil(t, st)
		assert.False(t, st.Responded)
		assert.NotEmpty(t, st.Error)
	}
}

func TestEngine_Search_AllSourcesFailed(t *testing.T) {
	// Given
	e := newFakeEngine(t, nil,
		failingSource(SourceVector),
		failingSource(SourceGraph),
		failingSource(SourceMemory),
		failingSource(SourcePattern),
	)

	// When
	resp, err := e.Search(context.Background(), "nothing answers", nil, nil)

	// Then
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, qerrors.ErrCodeAllSourcesFailed, qerrors.GetCode(err))
	assert.True(t, qerrors.IsFatal(err))
}

func TestEngine_Search_PanickingSourceIsContained(t *testing.T) {
	// Given: the vector adapter panics outright.
	e := newFakeEngine(t, nil,
		&fakeAdapter{src: SourceVector, panics: true},
		healthySource(SourceGraph),
		healthySource(SourceMemory, SourceItem{ID: "m1", Score: 1}),
		healthySource(SourcePattern),
	)

	// When
	resp, err := e.Search(context.Background(), "contained blast radius", nil, nil)

	// Then: the search degrades instead of crashing, and the memory item
	// carries its redistributed share (0.2 of the responding 0.6).
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "m1", resp.Results[0].ID)
	assert.InDelta(t, 1.0/3.0, resp.Results[0].Score, 1e-9)

	vecStat := resp.SourceStats[SourceVector]
	require.NotNil(t, vecStat)
	assert.False(t, vecStat.Responded)
	assert.False(t, vecStat.TimedOut)
	assert.Contains(t, vecStat.Error, "panicked")
}

func TestEngine_Search_CancelledContextReturnsContextError(t *testing.T) {
	e := newFakeEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := e.Search(ctx, "already gone", nil, nil)

	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_Search_TimeoutDoesNotSerializeSources(t *testing.T) {
	// Given: three stuck sources at 400ms and a 50ms per-source deadline.
	// The fan-out is parallel, so the whole search settles near one
	// deadline, not three.
	e := newFakeEngine(t, nil,
		healthySource(SourceVector, SourceItem{ID: "fast", Score: 1}),
		slowSource(SourceGraph, 400*time.Millisecond),
		slowSource(SourceMemory, 400*time.Millisecond),
		slowSource(SourcePattern, 400*time.Millisecond),
	)

	// When
	start := time.Now()
	resp, err := e.Search(context.Background(), "parallel deadline", nil, quickOpts())
	elapsed := time.Since(start)

	// Then
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "fast", resp.Results[0].ID)
	assert.Less(t, elapsed, 300*time.Millisecond)
	for _, src := range []Source{SourceGraph, SourceMemory, SourcePattern} {
		assert.True(t, resp.SourceStats[src].TimedOut, "source %s", src)
	}
}

// ============================================================================
// Result Caching
// ============================================================================

func TestEngine_Search_CachesIdenticalRequests(t *testing.T) {
	// Given
	vec := healthySource(SourceVector, SourceItem{ID: "v", Score: 1})
	e := newFakeEngine(t, nil, vec)

	// When: the same request runs twice.
	first, err := e.Search(context.Background(), "repeat me", nil, nil)
	require.NoError(t, err)
	second, err := e.Search(context.Background(), "repeat me", nil, nil)
	require.NoError(t, err)

	// Then: the second response is served from cache without a fan-out.
	assert.False(t, first.Metadata.Cached)
	assert.True(t, second.Metadata.Cached)
	assert.Equal(t, int32(1), vec.calls.Load())
	require.Len(t, second.Results, len(first.Results))
	for i := range first.Results {
		assert.Equal(t, first.Results[i].ID, second.Results[i].ID)
	}

	// And: a different query misses.
	third, err := e.Search(context.Background(), "different entirely", nil, nil)
	require.NoError(t, err)
	assert.False(t, third.Metadata.Cached)
	assert.Equal(t, int32(2), vec.calls.Load())
}

func TestEngine_Search_CacheKeyIncludesOptions(t *testing.T) {
	// Given
	vec := healthySource(SourceVector, SourceItem{ID: "v", Score: 1})
	e := newFakeEngine(t, nil, vec)

	// When: the same query runs under different options.
	_, err := e.Search(context.Background(), "same words", nil, &SearchOptions{TopK: 5})
	require.NoError(t, err)
	_, err = e.Search(context.Background(), "same words", nil, &SearchOptions{TopK: 6})
	require.NoError(t, err)

	// Then: both dispatched.
	assert.Equal(t, int32(2), vec.calls.Load())
}

func TestEngine_Search_CacheKeyIncludesEmbedding(t *testing.T) {
	vec := healthySource(SourceVector, SourceItem{ID: "v", Score: 1})
	e := newFakeEngine(t, nil, vec)

	_, err := e.Search(context.Background(), "same words", []float32{0.1, 0.2}, nil)
	require.NoError(t, err)
	_, err = e.Search(context.Background(), "same words", []float32{0.1, 0.3}, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), vec.calls.Load())
}

// ============================================================================
// Weights Management
// ============================================================================

func TestEngine_UpdateWeights_ReplacesDefaults(t *testing.T) {
	// Given
	e := newFakeEngine(t, nil,
		healthySource(SourceVector, SourceItem{ID: "v", Score: 1}),
		healthySource(SourceGraph, SourceItem{ID: "g", Score: 1}),
		healthySource(SourceMemory, SourceItem{ID: "m", Score: 1}),
	)
	assert.Equal(t, DefaultWeights(), e.Options().Weights)

	// When: raw weights are normalized on the way in.
	require.NoError(t, e.UpdateWeights(Weights{Vector: 2, Graph: 1, Memory: 1}))

	// Then
	got := e.Options().Weights
	assert.InDelta(t, 0.5, got.Vector, 1e-9)
	assert.InDelta(t, 0.25, got.Graph, 1e-9)
	assert.InDelta(t, 0.25, got.Memory, 1e-9)
	assert.InDelta(t, 0.0, got.Pattern, 1e-9)

	// And: the next search fuses under the new weights.
	resp, err := e.Search(context.Background(), "reweighted", nil, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "v", resp.Results[0].ID)
	assert.InDelta(t, 0.5, resp.Results[0].Score, 1e-9)
	assert.Equal(t, "g", resp.Results[1].ID)
	assert.InDelta(t, 0.25, resp.Results[1].Score, 1e-9)
	assert.Equal(t, "m", resp.Results[2].ID)
	assert.InDelta(t, 0.25, resp.Results[2].Score, 1e-9)
}

func TestEngine_UpdateWeights_RejectsInvalid(t *testing.T) {
	e := newFakeEngine(t, nil)
	before := e.Options().Weights

	for _, w := range []Weights{
		{},
		{Vector: -1},
		{Memory: math.NaN()},
		{Pattern: math.Inf(1)},
	} {
		err := e.UpdateWeights(w)
		require.Error(t, err)
		assert.Equal(t, qerrors.ErrCodeInvalidWeights, qerrors.GetCode(err))
	}

	// Then: failed updates leave the defaults untouched.
	assert.Equal(t, before, e.Options().Weights)
}

func TestEngine_Options_ReturnsSnapshot(t *testing.T) {
	e := newFakeEngine(t, nil)

	opts := e.Options()
	opts.TopK = 99

	assert.Equal(t, DefaultTopK, e.Options().TopK)
}

// ============================================================================
// Construction
// ============================================================================

func TestNewEngine_RequiresAllBackends(t *testing.T) {
	_, err := NewEngine(nil, nil, nil, nil, nil, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestNewEngine_ResolvesConfiguredDefaults(t *testing.T) {
	// Given: custom defaults with raw weights.
	cfg := &EngineConfig{Defaults: &SearchOptions{
		TopK:    3,
		Weights: Weights{Vector: 1, Graph: 1, Memory: 1, Pattern: 1},
	}}

	// When
	e := newFakeEngine(t, cfg)

	// Then: defaults are validated and normalized at construction.
	got := e.Options()
	assert.Equal(t, 3, got.TopK)
	assert.InDelta(t, 0.25, got.Weights.Vector, 1e-9)
	assert.Equal(t, DefaultSourceTimeout, got.SourceTimeout)
	assert.Equal(t, DefaultMemoryNamespace, got.MemoryNamespace)
}

func TestNewEngine_RejectsInvalidDefaults(t *testing.T) {
	cfg := &EngineConfig{Defaults: &SearchOptions{TopK: MaxTopK + 1}}

	_, err := newEngine([4]SourceAdapter{
		healthySource(SourceVector),
		healthySource(SourceGraph),
		healthySource(SourceMemory),
		healthySource(SourcePattern),
	}, cfg)

	require.Error(t, err)
	assert.Equal(t, qerrors.ErrCodeInvalidOptions, qerrors.GetCode(err))
}

func TestEngine_Stats_WithoutBackends(t *testing.T) {
	e := newFakeEngine(t, nil)

	_, err := e.Stats(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNilDependency)
}

// ============================================================================
// Telemetry Wiring
// ============================================================================

func TestEngine_Search_RecordsTelemetry(t *testing.T) {
	// Given: an engine with a metrics recorder and a failing graph source.
	metrics := telemetry.NewQueryMetrics(nil)
	var adapters [4]SourceAdapter
	fakes := map[Source]*fakeAdapter{
		SourceVector:  healthySource(SourceVector, SourceItem{ID: "v", Score: 1}),
		SourceGraph:   failingSource(SourceGraph),
		SourceMemory:  healthySource(SourceMemory),
		SourcePattern: healthySource(SourcePattern),
	}
	for i, src := range AllSources {
		adapters[i] = fakes[src]
	}
	e, err := newEngine(adapters, nil, WithLogger(discardLogger()), WithMetrics(metrics))
	require.NoError(t, err)

	// When: one real search plus one cache hit.
	_, err = e.Search(context.Background(), "observable search", nil, nil)
	require.NoError(t, err)
	_, err = e.Search(context.Background(), "observable search", nil, nil)
	require.NoError(t, err)

	// Then: both queries counted, the cache hit without source outcomes.
	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.CachedCount)
	assert.Equal(t, int64(1), snap.DegradedCount)
	assert.Equal(t, int64(1), snap.SourceCounts[telemetry.OutcomeResponded]["vector"])
	assert.Equal(t, int64(1), snap.SourceCounts[telemetry.OutcomeFailed]["graph"])
	assert.Zero(t, snap.SourceCounts[telemetry.OutcomeTimedOut]["graph"])
	assert.Equal(t, int64(1), snap.ExactRepeatCount)
}
