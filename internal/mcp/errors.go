// Package mcp exposes the knowpipe pipeline as Model Context Protocol
// tools over stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// Custom MCP error codes for knowpipe.
const (
	// ErrCodePipeline is any pipeline failure without a closer match.
	ErrCodePipeline = -32001

	// ErrCodeEmbeddingFailed indicates the embedding provider failed.
	ErrCodeEmbeddingFailed = -32002

	// ErrCodeTimeout indicates the request timed out or was cancelled.
	ErrCodeTimeout = -32003

	// ErrCodeNotFound indicates an unknown job or chunk.
	ErrCodeNotFound = -32004

	// ErrCodeBusy indicates the provider gateway refused new work.
	ErrCodeBusy = -32005

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// PipelineCode is the ERR_xxx code, when the cause was a pipeline error.
	PipelineCode string `json:"pipeline_code,omitempty"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	if e.PipelineCode != "" {
		return fmt.Sprintf("MCP error %d [%s]: %s", e.Code, e.PipelineCode, e.Message)
	}
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}
	var me *MCPError
	if errors.As(err, &me) {
		return me
	}
	if pe, ok := kperrors.As(err); ok {
		return mapPipelineError(pe)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{
		Code:    ErrCodeMethodNotFound,
		Message: fmt.Sprintf("Tool '%s' not found.", name),
	}
}

func mapPipelineError(pe *kperrors.PipelineError) *MCPError {
	message := pe.Message
	if pe.Suggestion != "" {
		message = fmt.Sprintf("%s %s", pe.Message, pe.Suggestion)
	}
	out := &MCPError{Code: ErrCodePipeline, Message: message, PipelineCode: pe.Code}

	switch {
	case pe.Code == kperrors.ErrCodeJobNotFound || pe.Code == kperrors.ErrCodeChunkNotFound:
		out.Code = ErrCodeNotFound
	case pe.Kind == kperrors.KindValidation:
		out.Code = ErrCodeInvalidParams
	case pe.Code == kperrors.ErrCodeBackpressure:
		out.Code = ErrCodeBusy
	case pe.Code == kperrors.ErrCodeProviderTimeout:
		out.Code = ErrCodeTimeout
	case pe.Kind == kperrors.KindEmbeddingProvider:
		out.Code = ErrCodeEmbeddingFailed
	case pe.Kind == kperrors.KindInternal:
		out.Code = ErrCodeInternalError
	}
	return out
}
