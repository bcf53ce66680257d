// Package errors provides structured error handling for QuadFuse.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Input errors (rejected before any source dispatch)
//   - 2XX: Source errors (contained per-adapter, partial failure)
//   - 3XX: Fusion errors (scoring invariant violations)
//   - 4XX: System errors (total failure, storage, locking)
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryInput indicates invalid caller input (query, embedding, options).
	CategoryInput Category = "INPUT"
	// CategorySource indicates a single-source failure contained by the orchestrator.
	CategorySource Category = "SOURCE"
	// CategoryFusion indicates a scoring/aggregation invariant violation.
	CategoryFusion Category = "FUSION"
	// CategorySystem indicates total failure or infrastructure errors.
	CategorySystem Category = "SYSTEM"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by band.
const (
	// Input errors (100-199), surfaced synchronously before dispatch
	ErrCodeInvalidQuery     = "ERR_101_INVALID_QUERY"
	ErrCodeInvalidEmbedding = "ERR_102_INVALID_EMBEDDING"
	ErrCodeInvalidOptions   = "ERR_103_INVALID_OPTIONS"
	ErrCodeInvalidWeights   = "ERR_104_INVALID_WEIGHTS"

	// Source errors (200-299), contained as per-source results
	ErrCodeSourceFailure    = "ERR_201_SOURCE_FAILURE"
	ErrCodeMissingEmbedding = "ERR_202_MISSING_EMBEDDING"
	ErrCodeSourceTimeout    = "ERR_203_SOURCE_TIMEOUT"
	ErrCodeBackendClosed    = "ERR_204_BACKEND_CLOSED"
	ErrCodeMalformedResult  = "ERR_205_MALFORMED_RESULT"

	// Fusion errors (300-399), programming-contract failures
	ErrCodeFusionFailure     = "ERR_301_FUSION_FAILURE"
	ErrCodeDegenerateWeights = "ERR_302_DEGENERATE_WEIGHTS"

	// System errors (400-499)
	ErrCodeAllSourcesFailed = "ERR_401_ALL_SOURCES_FAILED"
	ErrCodeStoreIO          = "ERR_402_STORE_IO"
	ErrCodeInternal         = "ERR_403_INTERNAL"
	ErrCodeStoreLocked      = "ERR_404_STORE_LOCKED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategorySystem
	}

	// Extract numeric portion (e.g., "101" from "ERR_101_INVALID_QUERY")
	numStr := code[4:7]
	if len(numStr) < 1 {
		return CategorySystem
	}

	switch numStr[0] {
	case '1':
		return CategoryInput
	case '2':
		return CategorySource
	case '3':
		return CategoryFusion
	default:
		return CategorySystem
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	// Fusion invariant violations are programming-contract failures
	// and must abort the call loudly rather than degrade.
	switch code {
	case ErrCodeFusionFailure, ErrCodeDegenerateWeights:
		return SeverityFatal
	}

	// Contained single-source outcomes leave the search degraded, not failed.
	if categoryFromCode(code) == CategorySource {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// The engine itself never retries; the flag classifies for callers.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeSourceTimeout, ErrCodeAllSourcesFailed, ErrCodeStoreLocked:
		return true
	default:
		return false
	}
}
