package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Bleve Pattern Bank Tests
// ============================================================================

func newTestBank(t *testing.T) *BlevePatternBank {
	t.Helper()
	b, err := NewBlevePatternBank("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func seedPatterns(t *testing.T, b *BlevePatternBank) {
	t.Helper()
	err := b.Index(context.Background(), []*Pattern{
		{ID: "p1", Name: "Retry with backoff", Body: "wrap transient calls in exponential backoff", Tags: []string{"resilience"}, Confidence: 0.9},
		{ID: "p2", Name: "Circuit breaker", Body: "stop calling a failing dependency", Tags: []string{"resilience"}, Confidence: 0.7},
		{ID: "p3", Name: "Cache aside", Body: "read through a cache before the source of truth", Tags: []string{"caching"}, Confidence: 0.4},
	})
	require.NoError(t, err)
}

func TestBlevePatternBank_IndexAndMatch_Basic(t *testing.T) {
	// Given: a bank with three patterns
	b := newTestBank(t)
	seedPatterns(t, b)

	// When: matching a body term
	matches, err := b.Match(context.Background(), "backoff", 10)
	require.NoError(t, err)

	// Then: the retry pattern comes back fully hydrated
	require.Len(t, matches, 1)
	p := matches[0].Pattern
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, "Retry with backoff", p.Name)
	assert.Equal(t, "wrap transient calls in exponential backoff", p.Body)
	assert.Equal(t, []string{"resilience"}, p.Tags)
	assert.InDelta(t, 0.9, p.Confidence, 0.001)
	assert.Greater(t, matches[0].Score, 0.0)
}

func TestBlevePatternBank_Match_TagsAreSearchable(t *testing.T) {
	b := newTestBank(t)
	seedPatterns(t, b)

	matches, err := b.Match(context.Background(), "resilience", 10)
	require.NoError(t, err)

	require.Len(t, matches, 2)
	ids := []string{matches[0].Pattern.ID, matches[1].Pattern.ID}
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids)
}

func TestBlevePatternBank_Match_NameBeatsBody(t *testing.T) {
	// Given: one pattern with the term in its name, one in its body
	b := newTestBank(t)
	err := b.Index(context.Background(), []*Pattern{
		{ID: "named", Name: "bulkhead isolation", Body: "partition resources per consumer", Confidence: 0.5},
		{ID: "bodied", Name: "something else", Body: "bulkhead style partitioning of pools", Confidence: 0.5},
	})
	require.NoError(t, err)

	// When: matching that term
	matches, err := b.Match(context.Background(), "bulkhead", 10)
	require.NoError(t, err)

	// Then: the name match ranks first
	require.Len(t, matches, 2)
	assert.Equal(t, "named", matches[0].Pattern.ID)
}

func TestBlevePatternBank_Match_IdentifierTokens(t *testing.T) {
	// Given: a pattern body mentioning an identifier
	b := newTestBank(t)
	err := b.Index(context.Background(), []*Pattern{
		{ID: "p1", Name: "client wrapper", Body: "expose retryBackoff knobs on the client", Confidence: 0.8},
	})
	require.NoError(t, err)

	// When: matching a fragment of the identifier
	matches, err := b.Match(context.Background(), "backoff", 10)

	// Then: the analyzer splits camelCase at index time
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "p1", matches[0].Pattern.ID)
}

func TestBlevePatternBank_Match_EmptyQuery(t *testing.T) {
	b := newTestBank(t)
	seedPatterns(t, b)

	matches, err := b.Match(context.Background(), "  ", 10)

	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestBlevePatternBank_Index_ReplacesByID(t *testing.T) {
	b := newTestBank(t)
	require.NoError(t, b.Index(context.Background(), []*Pattern{
		{ID: "p1", Name: "old name", Body: "old body", Confidence: 0.2},
	}))

	require.NoError(t, b.Index(context.Background(), []*Pattern{
		{ID: "p1", Name: "new name", Body: "new body", Confidence: 0.6},
	}))

	count, err := b.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	matches, err := b.Match(context.Background(), "new", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 0.6, matches[0].Pattern.Confidence, 0.001)
}

func TestBlevePatternBank_Index_RequiresID(t *testing.T) {
	b := newTestBank(t)

	err := b.Index(context.Background(), []*Pattern{{Name: "anonymous"}})

	assert.ErrorContains(t, err, "has no ID")
}

func TestBlevePatternBank_CloseIsIdempotent(t *testing.T) {
	b, err := NewBlevePatternBank("")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Match(context.Background(), "anything", 1)
	assert.Error(t, err)
}
