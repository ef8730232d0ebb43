package daemon

import (
	"encoding/json"
	"fmt"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
	"github.com/Aman-CERP/knowpipe/internal/search"
)

// JSON-RPC 2.0 method names.
const (
	MethodIngest       = "ingest"
	MethodIngestBatch  = "ingest_batch"
	MethodIngestStatus = "ingest_status"
	MethodBatchStatus  = "batch_status"
	MethodCancel       = "cancel"
	MethodSearch       = "search"
	MethodDeleteChunks = "delete_chunks"
	MethodUpdateChunk  = "update_chunk"
	MethodPing         = "ping"
	MethodStatus       = "status"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Server error codes. The pipeline code travels in Error.Data.
const (
	ErrCodePipeline     = -32001
	ErrCodeSearchFailed = -32002
	ErrCodeBusy         = -32003
	ErrCodeNotFound     = -32004
)

const jsonrpcVersion = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries a pipeline error across the socket.
type ErrorData struct {
	Code       string            `json:"code"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
}

// NewSuccessResponse creates a successful response. A result that cannot
// be encoded becomes an internal error.
func NewSuccessResponse(id string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, ErrCodeInternalError, fmt.Sprintf("failed to encode result: %v", err))
	}
	return Response{JSONRPC: jsonrpcVersion, Result: data, ID: id}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: jsonrpcVersion,
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}

// errorResponse maps err to a JSON-RPC error, keeping the pipeline code,
// details and suggestion.
func errorResponse(id string, err error) Response {
	pe, ok := kperrors.As(err)
	if !ok {
		return NewErrorResponse(id, ErrCodeInternalError, err.Error())
	}

	code := ErrCodePipeline
	switch {
	case pe.Kind == kperrors.KindValidation:
		code = ErrCodeInvalidParams
		if pe.Code == kperrors.ErrCodeJobNotFound || pe.Code == kperrors.ErrCodeChunkNotFound {
			code = ErrCodeNotFound
		}
	case pe.Code == kperrors.ErrCodeBackpressure:
		code = ErrCodeBusy
	case pe.Code == kperrors.ErrCodeSearchFailed:
		code = ErrCodeSearchFailed
	}

	resp := NewErrorResponse(id, code, pe.Message)
	resp.Error.Data = &ErrorData{Code: pe.Code, Details: pe.Details, Suggestion: pe.Suggestion}
	return resp
}

// Err converts e back into a Go error. Errors that carry a pipeline code
// become *kperrors.PipelineError.
func (e *Error) Err() error {
	if e.Data == nil || e.Data.Code == "" {
		return fmt.Errorf("daemon error %d: %s", e.Code, e.Message)
	}
	pe := kperrors.New(e.Data.Code, e.Message, nil)
	for k, v := range e.Data.Details {
		pe.WithDetail(k, v)
	}
	if e.Data.Suggestion != "" {
		pe.WithSuggestion(e.Data.Suggestion)
	}
	return pe
}

// IngestParams are the parameters of ingest. Content is base64 in JSON.
// Options, when present, are decoded over the daemon's ingest defaults.
type IngestParams struct {
	Content  []byte          `json:"content,omitempty"`
	Path     string          `json:"path,omitempty"`
	Filename string          `json:"filename,omitempty"`
	Format   string          `json:"format,omitempty"`
	Options  json.RawMessage `json:"options,omitempty"`
}

func (p IngestParams) request(defaults ingest.Options) (ingest.Request, error) {
	opts := defaults
	if len(p.Options) > 0 {
		if err := json.Unmarshal(p.Options, &opts); err != nil {
			return ingest.Request{}, kperrors.ValidationError("invalid ingest options", err)
		}
	}
	return ingest.Request{
		Content:  p.Content,
		Path:     p.Path,
		Filename: p.Filename,
		Format:   p.Format,
		Options:  opts,
	}, nil
}

// IngestResult is the response to ingest.
type IngestResult struct {
	JobID string `json:"job_id"`
}

// IngestBatchParams are the parameters of ingest_batch.
type IngestBatchParams struct {
	Documents []IngestParams `json:"documents"`
}

// IngestBatchResult is the response to ingest_batch.
type IngestBatchResult struct {
	BatchID string   `json:"batch_id"`
	JobIDs  []string `json:"job_ids"`
}

// JobParams name one job, for ingest_status and cancel.
type JobParams struct {
	JobID string `json:"job_id"`
}

// BatchParams name one batch.
type BatchParams struct {
	BatchID string `json:"batch_id"`
}

// CancelResult is the response to cancel.
type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// SearchParams are the parameters of search.
type SearchParams struct {
	Query   string         `json:"query"`
	Options search.Options `json:"options"`
}

// Validate checks that required fields are present.
func (p *SearchParams) Validate() error {
	if p.Query == "" {
		return kperrors.New(kperrors.ErrCodeQueryEmpty, "query is required", nil)
	}
	return nil
}

// DeleteChunksParams are the parameters of delete_chunks.
type DeleteChunksParams struct {
	IDs []string `json:"ids"`
}

// DeleteChunksResult is the response to delete_chunks.
type DeleteChunksResult struct {
	Deleted int `json:"deleted"`
}

// UpdateChunkParams are the parameters of update_chunk.
type UpdateChunkParams struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// PingResult is the response to a ping request.
type PingResult struct {
	Pong bool `json:"pong"`
}
