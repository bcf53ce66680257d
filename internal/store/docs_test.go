package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// SQLite Doc Store Tests
// ============================================================================

func newTestDocs(t *testing.T) *SQLiteDocStore {
	t.Helper()
	d, err := NewSQLiteDocStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestSQLiteDocStore_PutAndGet(t *testing.T) {
	d := newTestDocs(t)
	err := d.Put(context.Background(), []*Document{
		{ID: "doc-1", Content: "transport layer notes", Meta: map[string]string{"source": "wiki"}},
	})
	require.NoError(t, err)

	got, err := d.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "transport layer notes", got.Content)
	assert.Equal(t, "wiki", got.Meta["source"])
}

func TestSQLiteDocStore_Get_MissingReturnsNil(t *testing.T) {
	d := newTestDocs(t)

	got, err := d.Get(context.Background(), "ghost")

	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteDocStore_GetBatch_SkipsMissing(t *testing.T) {
	// Given: two stored documents
	d := newTestDocs(t)
	require.NoError(t, d.Put(context.Background(), []*Document{
		{ID: "a", Content: "alpha"},
		{ID: "b", Content: "beta"},
	}))

	// When: batch-getting two present and one absent ID
	got, err := d.GetBatch(context.Background(), []string{"a", "b", "ghost"})
	require.NoError(t, err)

	// Then: only the present documents come back
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got["a"].Content)
	assert.Equal(t, "beta", got["b"].Content)
	assert.NotContains(t, got, "ghost")
}

func TestSQLiteDocStore_Put_ReplacesAndCounts(t *testing.T) {
	d := newTestDocs(t)
	require.NoError(t, d.Put(context.Background(), []*Document{{ID: "a", Content: "v1"}}))
	require.NoError(t, d.Put(context.Background(), []*Document{{ID: "a", Content: "v2"}}))

	count, err := d.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := d.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
}

func TestSQLiteDocStore_Put_RequiresID(t *testing.T) {
	d := newTestDocs(t)

	err := d.Put(context.Background(), []*Document{{Content: "orphan"}})

	assert.ErrorContains(t, err, "has no ID")
}
