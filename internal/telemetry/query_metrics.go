// Package telemetry collects local search telemetry used to tune fusion
// weights and spot failing sources. All data is stored locally - no
// external reporting.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// Source Outcomes
// =============================================================================

// SourceOutcome classifies how one source ended a search.
type SourceOutcome string

const (
	OutcomeResponded SourceOutcome = "responded"
	OutcomeTimedOut  SourceOutcome = "timed_out"
	OutcomeFailed    SourceOutcome = "failed"
)

// =============================================================================
// Latency Buckets
// =============================================================================

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// =============================================================================
// Search Event
// =============================================================================

// SearchEvent represents a single completed search for telemetry
// recording. Responded, TimedOut, and Failed partition the sources by
// how they ended the call.
type SearchEvent struct {
	Query       string
	ResultCount int
	Latency     time.Duration
	Timestamp   time.Time
	Cached      bool
	Responded   []string
	TimedOut    []string
	Failed      []string
}

// IsZeroResult returns true if this search returned no results.
func (e SearchEvent) IsZeroResult() bool {
	return e.ResultCount == 0
}

// Degraded returns true if any source timed out or failed.
func (e SearchEvent) Degraded() bool {
	return len(e.TimedOut) > 0 || len(e.Failed) > 0
}

// =============================================================================
// Circular Buffer
// =============================================================================

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // Next write position
	size     int // Current number of items
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item to the buffer. If full, the oldest item is evicted.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity

	if b.size < b.capacity {
		b.size++
	}
}

// Items returns all items in the buffer in FIFO order (oldest first).
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}

	result := make([]T, b.size)
	if b.size < b.capacity {
		// Buffer not full - items start at 0
		copy(result, b.items[:b.size])
	} else {
		// Buffer full - oldest item is at head
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items in the buffer.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Clear removes all items from the buffer.
func (b *CircularBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}

// =============================================================================
// Term Extraction
// =============================================================================

// ExtractTerms extracts searchable terms from a query string.
// Terms are lowercased and filtered to minimum length 3.
func ExtractTerms(query string) []string {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	words := strings.Fields(query)
	var terms []string
	for _, w := range words {
		// Filter short terms
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}

	if len(terms) == 0 {
		return nil
	}
	return terms
}

// =============================================================================
// Term Count
// =============================================================================

// TermCount represents a term and its frequency count.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// =============================================================================
// Metrics Snapshot
// =============================================================================

// MetricsSnapshot is an immutable snapshot of search metrics.
// Counter maps are keyed by source name. Zero-result queries cover the
// window since the last flush; everything else is cumulative since the
// collector started.
type MetricsSnapshot struct {
	SourceCounts        map[SourceOutcome]map[string]int64 `json:"source_counts"`
	TopTerms            []TermCount                        `json:"top_terms"`
	ZeroResultQueries   []string                           `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64            `json:"latency_distribution"`
	TotalQueries        int64                              `json:"total_queries"`
	ZeroResultCount     int64                              `json:"zero_result_count"`
	CachedCount         int64                              `json:"cached_count"`
	DegradedCount       int64                              `json:"degraded_count"`
	Since               time.Time                          `json:"since"`

	// Repetition metrics
	ExactRepeatCount  int64   `json:"exact_repeat_count"`
	ExactRepeatRate   float64 `json:"exact_repeat_rate"`
	SimilarQueryCount int64   `json:"similar_query_count"`
	SimilarQueryRate  float64 `json:"similar_query_rate"`
	UniqueQueryCount  int64   `json:"unique_query_count"`
}

// ZeroResultPercentage returns the percentage of zero-result queries.
func (s *MetricsSnapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// CacheHitRate returns the fraction of searches served from cache.
func (s *MetricsSnapshot) CacheHitRate() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.CachedCount) / float64(s.TotalQueries)
}

// DegradedRate returns the fraction of searches missing at least one source.
func (s *MetricsSnapshot) DegradedRate() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.DegradedCount) / float64(s.TotalQueries)
}

// =============================================================================
// Metrics Store (Interface)
// =============================================================================

// MetricsStore defines persistence operations for search metrics.
type MetricsStore interface {
	// SaveSourceCounts upserts daily per-source counts for one outcome.
	SaveSourceCounts(date string, outcome SourceOutcome, counts map[string]int64) error

	// GetSourceCounts retrieves per-source counts for an outcome over a date range.
	GetSourceCounts(from, to string, outcome SourceOutcome) (map[string]int64, error)

	// UpsertTermCounts updates term frequency counts.
	UpsertTermCounts(terms map[string]int64) error

	// GetTopTerms retrieves the top N terms by frequency.
	GetTopTerms(limit int) ([]TermCount, error)

	// AddZeroResultQuery records a query that returned nothing.
	AddZeroResultQuery(query string, timestamp time.Time) error

	// GetZeroResultQueries retrieves recent zero-result queries.
	GetZeroResultQueries(limit int) ([]string, error)

	// SaveLatencyCounts upserts daily latency histogram counts.
	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error

	// GetLatencyCounts retrieves latency distribution for a date range.
	GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error)

	// Close releases resources.
	Close() error
}

// =============================================================================
// Query Metrics Configuration
// =============================================================================

// QueryMetricsConfig configures the query metrics collector.
type QueryMetricsConfig struct {
	TopTermsCapacity    int           // Max terms to track (default: 100)
	ZeroResultsCapacity int           // Max zero-result queries to track (default: 100)
	FlushInterval       time.Duration // How often to flush to store (default: 60s, 0 = no auto-flush)

	// Repetition tracking
	RecentQueriesCapacity    int     // Max query hashes to track for repetition (default: 500)
	RecentEmbeddingsCapacity int     // Max embeddings to sample for similarity (default: 10)
	SimilarityThreshold      float64 // Cosine similarity threshold (default: 0.95)
}

// DefaultQueryMetricsConfig returns sensible defaults.
func DefaultQueryMetricsConfig() QueryMetricsConfig {
	return QueryMetricsConfig{
		TopTermsCapacity:         100,
		ZeroResultsCapacity:      100,
		FlushInterval:            60 * time.Second,
		RecentQueriesCapacity:    500,
		RecentEmbeddingsCapacity: 10,
		SimilarityThreshold:      0.95,
	}
}

// =============================================================================
// Query Metrics
// =============================================================================

// QueryMetrics collects search telemetry for fusion tuning.
// Thread-safe for concurrent access.
type QueryMetrics struct {
	mu sync.RWMutex

	// In-memory aggregates
	sourceCounts    map[SourceOutcome]map[string]int64
	topTerms        *lru.Cache[string, int64]
	zeroResults     *CircularBuffer[string]
	latencies       map[LatencyBucket]int64
	totalQueries    int64
	zeroResultCount int64
	cachedCount     int64
	degradedCount   int64
	startTime       time.Time

	// Repetition tracking
	recentQueries     *lru.Cache[string, struct{}] // LRU of query hashes
	exactRepeatCount  int64                        // Count of exact query repeats
	recentEmbeddings  *CircularBuffer[[]float32]   // Circular buffer of recent embeddings
	similarQueryCount int64                        // Count of semantically similar queries

	// Persistence. The store's daily rows are additive, so each flush
	// writes only the counts accrued since the previous flush.
	store          MetricsStore
	config         QueryMetricsConfig
	flushMu        sync.Mutex
	flushedSources map[SourceOutcome]map[string]int64
	flushedLatency map[LatencyBucket]int64
	flushedTerms   map[string]int64
	flushTicker    *time.Ticker
	stopCh         chan struct{}
	closed         bool
}

// NewQueryMetrics creates a new metrics collector with default configuration.
// If store is nil, metrics are only kept in memory.
func NewQueryMetrics(store MetricsStore) *QueryMetrics {
	return NewQueryMetricsWithConfig(store, DefaultQueryMetricsConfig())
}

// NewQueryMetricsWithConfig creates a new metrics collector with custom configuration.
func NewQueryMetricsWithConfig(store MetricsStore, cfg QueryMetricsConfig) *QueryMetrics {
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = 100
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = 100
	}
	if cfg.RecentQueriesCapacity <= 0 {
		cfg.RecentQueriesCapacity = 500
	}
	if cfg.RecentEmbeddingsCapacity <= 0 {
		cfg.RecentEmbeddingsCapacity = 10
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.95
	}

	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recentQueries, _ := lru.New[string, struct{}](cfg.RecentQueriesCapacity)

	m := &QueryMetrics{
		sourceCounts:     make(map[SourceOutcome]map[string]int64),
		topTerms:         topTerms,
		zeroResults:      NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		latencies:        make(map[LatencyBucket]int64),
		startTime:        time.Now(),
		recentQueries:    recentQueries,
		recentEmbeddings: NewCircularBuffer[[]float32](cfg.RecentEmbeddingsCapacity),
		store:            store,
		config:           cfg,
		flushedSources:   make(map[SourceOutcome]map[string]int64),
		flushedLatency:   make(map[LatencyBucket]int64),
		flushedTerms:     make(map[string]int64),
		stopCh:           make(chan struct{}),
	}

	// Start auto-flush if configured
	if cfg.FlushInterval > 0 && store != nil {
		m.flushTicker = time.NewTicker(cfg.FlushInterval)
		go m.flushLoop()
	}

	return m
}

// flushLoop periodically flushes metrics to storage.
func (m *QueryMetrics) flushLoop() {
	for {
		select {
		case <-m.flushTicker.C:
			_ = m.Flush()
		case <-m.stopCh:
			return
		}
	}
}

// Record captures metrics from one completed search.
// This method is thread-safe and non-blocking.
func (m *QueryMetrics) Record(event SearchEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.totalQueries++
	if event.Cached {
		m.cachedCount++
	}
	if event.Degraded() {
		m.degradedCount++
	}

	// Per-source outcome counts
	for _, s := range event.Responded {
		m.bump(OutcomeResponded, s)
	}
	for _, s := range event.TimedOut {
		m.bump(OutcomeTimedOut, s)
	}
	for _, s := range event.Failed {
		m.bump(OutcomeFailed, s)
	}

	// Track terms
	for _, term := range ExtractTerms(event.Query) {
		count, _ := m.topTerms.Get(term)
		m.topTerms.Add(term, count+1)
	}

	// Track zero-result queries
	if event.IsZeroResult() {
		m.zeroResults.Add(event.Query)
		m.zeroResultCount++
	}

	// Track latency
	m.latencies[LatencyToBucket(event.Latency)]++

	// Track exact query repetition
	queryHash := hashQuery(event.Query)
	if _, exists := m.recentQueries.Get(queryHash); exists {
		m.exactRepeatCount++
	}
	m.recentQueries.Add(queryHash, struct{}{})
}

func (m *QueryMetrics) bump(outcome SourceOutcome, source string) {
	counts, ok := m.sourceCounts[outcome]
	if !ok {
		counts = make(map[string]int64)
		m.sourceCounts[outcome] = counts
	}
	counts[source]++
}

// hashQuery creates a normalized hash of the query for repetition detection.
func hashQuery(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:16]) // Use first 16 bytes for shorter key
}

// RecordQueryEmbedding records a query embedding for semantic similarity
// sampling. Call this after Record() for queries carrying an embedding.
// This is optional - if not called, only exact repetition is tracked.
func (m *QueryMetrics) RecordQueryEmbedding(embedding []float32) {
	if len(embedding) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	// Check similarity against recent embeddings
	for _, prev := range m.recentEmbeddings.Items() {
		if cosineSimilarity(embedding, prev) > m.config.SimilarityThreshold {
			m.similarQueryCount++
			break // Count once per query
		}
	}

	// Store embedding for future comparisons (copy to avoid aliasing)
	embeddingCopy := make([]float32, len(embedding))
	copy(embeddingCopy, embedding)
	m.recentEmbeddings.Add(embeddingCopy)
}

// cosineSimilarity computes cosine similarity between two vectors.
// Returns 0 if either vector is empty or has different dimensions.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Snapshot returns current metrics for reporting.
func (m *QueryMetrics) Snapshot() *MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Copy per-source outcome counts
	sourceCounts := make(map[SourceOutcome]map[string]int64, len(m.sourceCounts))
	for outcome, counts := range m.sourceCounts {
		cp := make(map[string]int64, len(counts))
		for src, n := range counts {
			cp[src] = n
		}
		sourceCounts[outcome] = cp
	}

	// Get top terms sorted by count
	var topTerms []TermCount
	for _, key := range m.topTerms.Keys() {
		if count, ok := m.topTerms.Peek(key); ok {
			topTerms = append(topTerms, TermCount{Term: key, Count: count})
		}
	}
	sort.Slice(topTerms, func(i, j int) bool {
		if topTerms[i].Count != topTerms[j].Count {
			return topTerms[i].Count > topTerms[j].Count
		}
		return topTerms[i].Term < topTerms[j].Term
	})

	// Copy latency distribution
	latencies := make(map[LatencyBucket]int64)
	for k, v := range m.latencies {
		latencies[k] = v
	}

	// Calculate repetition rates
	var exactRepeatRate, similarQueryRate float64
	uniqueQueryCount := int64(m.recentQueries.Len())
	if m.totalQueries > 0 {
		exactRepeatRate = float64(m.exactRepeatCount) / float64(m.totalQueries)
		similarQueryRate = float64(m.similarQueryCount) / float64(m.totalQueries)
	}

	return &MetricsSnapshot{
		SourceCounts:        sourceCounts,
		TopTerms:            topTerms,
		ZeroResultQueries:   m.zeroResults.Items(),
		LatencyDistribution: latencies,
		TotalQueries:        m.totalQueries,
		ZeroResultCount:     m.zeroResultCount,
		CachedCount:         m.cachedCount,
		DegradedCount:       m.degradedCount,
		Since:               m.startTime,
		ExactRepeatCount:    m.exactRepeatCount,
		ExactRepeatRate:     exactRepeatRate,
		SimilarQueryCount:   m.similarQueryCount,
		SimilarQueryRate:    similarQueryRate,
		UniqueQueryCount:    uniqueQueryCount,
	}
}

// Flush persists in-memory metrics to the store.
// Safe to call even if no store is configured. Counts are written as
// deltas against the previous flush; zero-result queries are drained so
// the next flush does not re-write them.
func (m *QueryMetrics) Flush() error {
	if m.store == nil {
		return nil
	}

	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	snapshot := m.Snapshot()
	today := time.Now().Format("2006-01-02")

	// Flush per-source outcome counts
	sourceDeltas := make(map[SourceOutcome]map[string]int64)
	for outcome, counts := range snapshot.SourceCounts {
		delta := make(map[string]int64)
		for src, n := range counts {
			if d := n - m.flushedSources[outcome][src]; d > 0 {
				delta[src] = d
			}
		}
		if len(delta) > 0 {
			if err := m.store.SaveSourceCounts(today, outcome, delta); err != nil {
				return err
			}
			sourceDeltas[outcome] = delta
		}
	}

	// Flush top terms
	termDeltas := make(map[string]int64)
	for _, tc := range snapshot.TopTerms {
		if d := tc.Count - m.flushedTerms[tc.Term]; d > 0 {
			termDeltas[tc.Term] = d
		}
	}
	if err := m.store.UpsertTermCounts(termDeltas); err != nil {
		return err
	}

	// Flush latency counts
	latencyDeltas := make(map[LatencyBucket]int64)
	for bucket, n := range snapshot.LatencyDistribution {
		if d := n - m.flushedLatency[bucket]; d > 0 {
			latencyDeltas[bucket] = d
		}
	}
	if err := m.store.SaveLatencyCounts(today, latencyDeltas); err != nil {
		return err
	}

	// Flush zero-result queries
	for _, q := range snapshot.ZeroResultQueries {
		if err := m.store.AddZeroResultQuery(q, time.Now()); err != nil {
			return err
		}
	}
	m.zeroResults.Clear()

	// Everything persisted; advance the baselines.
	for outcome, delta := range sourceDeltas {
		flushed, ok := m.flushedSources[outcome]
		if !ok {
			flushed = make(map[string]int64)
			m.flushedSources[outcome] = flushed
		}
		for src, d := range delta {
			flushed[src] += d
		}
	}
	for term, d := range termDeltas {
		m.flushedTerms[term] += d
	}
	for bucket, d := range latencyDeltas {
		m.flushedLatency[bucket] += d
	}
	return nil
}

// Close flushes and releases resources.
func (m *QueryMetrics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// Stop auto-flush
	if m.flushTicker != nil {
		m.flushTicker.Stop()
		close(m.stopCh)
	}

	// Final flush
	return m.Flush()
}
