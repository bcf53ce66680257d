package errors

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForCLI_BasicError(t *testing.T) {
	// Given: a SearchError
	err := New(ErrCodeInvalidQuery, "query exceeds 1024 characters", nil)

	// When: formatting for CLI
	result := FormatForCLI(err)

	// Then: contains message and code
	assert.Contains(t, result, "Error: query exceeds 1024 characters")
	assert.Contains(t, result, "Code: ERR_101_INVALID_QUERY")
}

func TestFormatForCLI_WithSuggestion(t *testing.T) {
	// Given: an error with suggestion
	err := AllSourcesFailed(nil)

	// When: formatting for CLI
	result := FormatForCLI(err)

	// Then: contains hint line
	assert.Contains(t, result, "Hint:")
	assert.Contains(t, result, "quadfuse stats")
}

func TestFormatForCLI_ShowsPerSourceDetails(t *testing.T) {
	// Given: a total failure carrying per-source outcomes
	err := AllSourcesFailed(nil).
		WithDetail("source_vector", "timeout after 400ms").
		WithDetail("source_graph", "store closed")

	result := FormatForCLI(err)

	assert.Contains(t, result, "vector: timeout after 400ms")
	assert.Contains(t, result, "graph: store closed")
}

func TestFormatForCLI_StandardErrorIsWrapped(t *testing.T) {
	// Given: a standard Go error
	err := errors.New("something went wrong")

	// When: formatting for CLI
	result := FormatForCLI(err)

	// Then: wrapped as internal
	assert.Contains(t, result, "something went wrong")
	assert.Contains(t, result, ErrCodeInternal)
}

func TestFormatForCLI_NilErrorReturnsEmpty(t *testing.T) {
	assert.Empty(t, FormatForCLI(nil))
}

func TestFormatJSON_RoundTrips(t *testing.T) {
	// Given: an error with full context
	err := TimeoutError("memory", 400).
		WithSuggestion("raise sourceTimeoutMs")

	// When: formatting as JSON
	data, jerr := FormatJSON(err)
	require.NoError(t, jerr)

	// Then: fields survive
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ERR_203_SOURCE_TIMEOUT", decoded["code"])
	assert.Equal(t, "SOURCE", decoded["category"])
	assert.Equal(t, true, decoded["retryable"])

	details, ok := decoded["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "memory", details["source"])
}

func TestFormatForLog_StructuredFields(t *testing.T) {
	// Given: a wrapped error with details
	cause := errors.New("dial refused")
	err := SourceError("pattern", "pattern bank unreachable", cause)

	// When: formatting for structured logging
	fields := FormatForLog(err)

	// Then: slog-ready keys
	assert.Equal(t, ErrCodeSourceFailure, fields["error_code"])
	assert.Equal(t, "SOURCE", fields["category"])
	assert.Equal(t, "dial refused", fields["cause"])
	assert.Equal(t, "pattern", fields["detail_source"])
}

func TestFormatForLog_PlainError(t *testing.T) {
	fields := FormatForLog(errors.New("boom"))

	assert.Equal(t, "boom", fields["error"])
	assert.NotContains(t, fields, "error_code")
}
