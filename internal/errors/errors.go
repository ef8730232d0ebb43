package errors

import (
	"errors"
	"fmt"
)

// PipelineError is the structured error type for knowpipe.
// It carries a machine-readable code plus the pipeline Kind that drives
// retry and job-failure decisions.
type PipelineError struct {
	// Code is the unique error code (e.g., "ERR_201_PARSE_FAILED").
	Code string

	// Kind is the pipeline taxonomy bucket derived from Code.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Input, Provider, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *PipelineError) Is(target error) bool {
	if t, ok := target.(*PipelineError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *PipelineError) WithDetail(key, value string) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *PipelineError) WithSuggestion(suggestion string) *PipelineError {
	e.Suggestion = suggestion
	return e
}

// New creates a new PipelineError with the given code and message.
// Kind, category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Kind:      kindFromCode(code),
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a PipelineError from an existing error.
// If err already is a PipelineError it is returned unchanged.
func Wrap(code string, err error) *PipelineError {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return New(code, err.Error(), err)
}

// ParseError reports malformed or unreadable document input.
func ParseError(message string, cause error) *PipelineError {
	return New(ErrCodeParseFailed, message, cause)
}

// ChunkingError reports a splitting failure. Chunkers recover from these
// locally, so they only ever reach logs.
func ChunkingError(message string, cause error) *PipelineError {
	return New(ErrCodeChunkingFailed, message, cause)
}

// ProviderError reports a retryable embedding provider failure.
func ProviderError(message string, cause error) *PipelineError {
	return New(ErrCodeProviderUnavailable, message, cause)
}

// StoreError reports a retrieval store failure.
func StoreError(message string, cause error) *PipelineError {
	return New(ErrCodeStoreFailed, message, cause)
}

// CacheError reports a semantic cache failure. Never fatal.
func CacheError(message string, cause error) *PipelineError {
	return New(ErrCodeCacheFailed, message, cause)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *PipelineError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *PipelineError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *PipelineError {
	return New(ErrCodeInternal, message, cause)
}

// As returns the first PipelineError in err's chain.
func As(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if pe, ok := As(err); ok {
		return pe.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	if pe, ok := As(err); ok {
		return pe.Severity == SeverityFatal
	}
	return false
}

// IsKind reports whether err carries the given pipeline kind.
func IsKind(err error, kind Kind) bool {
	if pe, ok := As(err); ok {
		return pe.Kind == kind
	}
	return false
}

// GetCode extracts the error code from a PipelineError.
// Returns empty string if not a PipelineError.
func GetCode(err error) string {
	if pe, ok := As(err); ok {
		return pe.Code
	}
	return ""
}

// GetKind extracts the kind from a PipelineError.
func GetKind(err error) Kind {
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return ""
}
