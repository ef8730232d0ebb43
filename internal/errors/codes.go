// Package errors provides structured error handling for knowpipe.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Document input errors (parse, format, file)
//   - 3XX: Embedding provider errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors (chunking, store, cache)
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryInput indicates malformed or unsupported document input.
	CategoryInput Category = "INPUT"
	// CategoryProvider indicates embedding provider failures.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates internal errors.
	CategoryInternal Category = "INTERNAL"
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
)

// Kind is the pipeline-level error taxonomy. Callers branch on Kind to
// decide between failing a job, retrying, or degrading.
type Kind string

const (
	KindParse             Kind = "ParseError"
	KindChunking          Kind = "ChunkingError"
	KindEmbeddingProvider Kind = "EmbeddingProviderError"
	KindStore             Kind = "StoreError"
	KindCache             Kind = "CacheError"
	KindValidation        Kind = "ValidationError"
	KindConfig            Kind = "ConfigError"
	KindInternal          Kind = "InternalError"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"
	ErrCodeDataDirLocked  = "ERR_103_DATA_DIR_LOCKED"

	// Input errors (200-299)
	ErrCodeParseFailed       = "ERR_201_PARSE_FAILED"
	ErrCodeUnsupportedFormat = "ERR_202_UNSUPPORTED_FORMAT"
	ErrCodeFileNotFound      = "ERR_203_FILE_NOT_FOUND"
	ErrCodeFileTooLarge      = "ERR_204_FILE_TOO_LARGE"

	// Provider errors (300-399)
	ErrCodeProviderTimeout     = "ERR_301_PROVIDER_TIMEOUT"
	ErrCodeProviderUnavailable = "ERR_302_PROVIDER_UNAVAILABLE"
	ErrCodeProviderRejected    = "ERR_303_PROVIDER_REJECTED"
	ErrCodeBackpressure        = "ERR_304_BACKPRESSURE"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeInvalidQuery      = "ERR_403_INVALID_QUERY"
	ErrCodeQueryEmpty        = "ERR_404_QUERY_EMPTY"
	ErrCodeQueryTooLong      = "ERR_405_QUERY_TOO_LONG"
	ErrCodeJobNotFound       = "ERR_406_JOB_NOT_FOUND"
	ErrCodeChunkNotFound     = "ERR_407_CHUNK_NOT_FOUND"
	ErrCodeInvalidOption     = "ERR_408_INVALID_OPTION"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	ErrCodeChunkingFailed  = "ERR_504_CHUNKING_FAILED"
	ErrCodeStoreFailed     = "ERR_505_STORE_FAILED"
	ErrCodeStoreBusy       = "ERR_506_STORE_BUSY"
	ErrCodeStoreConstraint = "ERR_507_STORE_CONSTRAINT"
	ErrCodeCacheFailed     = "ERR_508_CACHE_FAILED"
	ErrCodeJobCancelled    = "ERR_509_JOB_CANCELLED"
	ErrCodeIngestFailed    = "ERR_510_INGEST_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "201" from "ERR_201_PARSE_FAILED")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryInput
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// kindFromCode maps a code onto the pipeline taxonomy.
func kindFromCode(code string) Kind {
	switch code {
	case ErrCodeParseFailed, ErrCodeUnsupportedFormat, ErrCodeFileNotFound, ErrCodeFileTooLarge:
		return KindParse
	case ErrCodeProviderTimeout, ErrCodeProviderUnavailable, ErrCodeProviderRejected,
		ErrCodeBackpressure, ErrCodeEmbeddingFailed:
		return KindEmbeddingProvider
	case ErrCodeChunkingFailed:
		return KindChunking
	case ErrCodeStoreFailed, ErrCodeStoreBusy, ErrCodeStoreConstraint:
		return KindStore
	case ErrCodeCacheFailed:
		return KindCache
	}

	switch categoryFromCode(code) {
	case CategoryConfig:
		return KindConfig
	case CategoryValidation:
		return KindValidation
	default:
		return KindInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStoreConstraint, ErrCodeDataDirLocked:
		return SeverityFatal
	case ErrCodeCacheFailed, ErrCodeChunkingFailed:
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeProviderTimeout, ErrCodeProviderUnavailable, ErrCodeStoreBusy:
		return true
	default:
		return false
	}
}
