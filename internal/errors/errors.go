package errors

import (
	"fmt"
)

// SearchError is the structured error type for QuadFuse.
// It provides rich context for error handling, logging, and user presentation.
type SearchError struct {
	// Code is the unique error code (e.g., "ERR_203_SOURCE_TIMEOUT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Input, Source, Fusion, System).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried by the caller.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *SearchError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *SearchError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with SearchError.
func (e *SearchError) Is(target error) bool {
	if t, ok := target.(*SearchError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *SearchError) WithDetail(key, value string) *SearchError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *SearchError) WithSuggestion(suggestion string) *SearchError {
	e.Suggestion = suggestion
	return e
}

// New creates a new SearchError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *SearchError {
	return &SearchError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a SearchError from an existing error.
// The error's message becomes the SearchError message.
func Wrap(code string, err error) *SearchError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// QueryError creates an invalid-query input error.
func QueryError(message string, cause error) *SearchError {
	return New(ErrCodeInvalidQuery, message, cause)
}

// OptionsError creates an invalid-options input error.
func OptionsError(message string, cause error) *SearchError {
	return New(ErrCodeInvalidOptions, message, cause)
}

// SourceError creates a contained per-source failure.
// The source name is recorded as a detail for statistics and logs.
func SourceError(source string, message string, cause error) *SearchError {
	return New(ErrCodeSourceFailure, message, cause).WithDetail("source", source)
}

// TimeoutError creates a per-source timeout error.
// Distinguishable from SourceError so the orchestrator can classify the
// outcome as timed-out rather than errored.
func TimeoutError(source string, timeoutMs int64) *SearchError {
	return New(ErrCodeSourceTimeout,
		fmt.Sprintf("source %s exceeded %dms deadline", source, timeoutMs), nil).
		WithDetail("source", source).
		WithDetail("timeout_ms", fmt.Sprintf("%d", timeoutMs))
}

// FusionError creates a fusion invariant-violation error.
func FusionError(message string, cause error) *SearchError {
	return New(ErrCodeFusionFailure, message, cause)
}

// AllSourcesFailed creates the total-failure error raised when every
// source errored or timed out. Callers distinguish this from an empty
// result set, which is a successful search with no matches.
func AllSourcesFailed(cause error) *SearchError {
	return New(ErrCodeAllSourcesFailed, "all sources failed or timed out", cause).
		WithSuggestion("check backend health with 'quadfuse stats' or raise the source timeout")
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *SearchError {
	return New(ErrCodeInternal, message, cause)
}

// IsTimeout checks if an error is a per-source timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*SearchError); ok {
		return se.Code == ErrCodeSourceTimeout
	}
	return false
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a SearchError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*SearchError); ok {
		return se.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*SearchError); ok {
		return se.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a SearchError.
// Returns empty string if not a SearchError.
func GetCode(err error) string {
	if se, ok := err.(*SearchError); ok {
		return se.Code
	}
	return ""
}

// GetCategory extracts the category from a SearchError.
// Returns empty string if not a SearchError.
func GetCategory(err error) Category {
	if se, ok := err.(*SearchError); ok {
		return se.Category
	}
	return ""
}
