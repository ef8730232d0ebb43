package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/knowpipe/internal/app"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
	"github.com/Aman-CERP/knowpipe/pkg/version"
)

const serverName = "knowpipe"

// Server is the MCP server for knowpipe. It forwards tool calls to an
// app.Service, which is either the in-process app or a daemon client.
type Server struct {
	mcp      *mcp.Server
	svc      app.Service
	defaults ingest.Options
	logger   *slog.Logger
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        ToolIngest,
		Description: "Queue a document for ingestion. Pass inline content or a path on the server host. Returns a job ID; poll ingest_status until the state is completed or failed.",
	},
	{
		Name:        ToolIngestStatus,
		Description: "Report the state of an ingestion job: queued, processing, completed or failed, with the chunk IDs once completed.",
	},
	{
		Name:        ToolSearch,
		Description: "Search ingested documents. Modes: hybrid (default, blends meaning and exact terms), semantic, or keyword. Filter narrows results by exact metadata values.",
	},
	{
		Name:        ToolDeleteChunks,
		Description: "Delete chunks by ID. Unknown IDs are ignored; the count of removed chunks is returned.",
	},
	{
		Name:        ToolUpdateChunk,
		Description: "Replace the text of one chunk. Chunks that had an embedding are re-embedded.",
	},
}

// NewServer creates an MCP server over svc. defaults seed ingest options
// a call leaves out.
func NewServer(svc app.Service, defaults ingest.Options) (*Server, error) {
	if svc == nil {
		return nil, errors.New("service is required")
	}

	s := &Server{
		svc:      svc,
		defaults: defaults,
		logger:   slog.Default(),
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: serverName, Version: version.Version},
		nil,
	)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Info returns the server name and version.
func (s *Server) Info() (name, ver string) {
	return serverName, version.Version
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, len(tools))
	copy(out, tools)
	return out
}

func (s *Server) registerTools() {
	desc := make(map[string]string, len(tools))
	for _, t := range tools {
		desc[t.Name] = t.Description
	}

	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolIngest, Description: desc[ToolIngest]}, s.mcpIngestHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolIngestStatus, Description: desc[ToolIngestStatus]}, s.mcpIngestStatusHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolSearch, Description: desc[ToolSearch]}, s.mcpSearchHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolDeleteChunks, Description: desc[ToolDeleteChunks]}, s.mcpDeleteChunksHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolUpdateChunk, Description: desc[ToolUpdateChunk]}, s.mcpUpdateChunkHandler)

	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

// CallTool invokes a tool by name with JSON-shaped arguments, bypassing
// the protocol layer.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case ToolIngest:
		var in IngestInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.ingest(ctx, in)
	case ToolIngestStatus:
		var in IngestStatusInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.ingestStatus(ctx, in)
	case ToolSearch:
		var in SearchInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		out, _, err := s.search(ctx, in)
		return out, err
	case ToolDeleteChunks:
		var in DeleteChunksInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.deleteChunks(ctx, in)
	case ToolUpdateChunk:
		var in UpdateChunkInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.updateChunk(ctx, in)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func decodeArgs(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return NewInvalidParamsError(fmt.Sprintf("invalid arguments: %v", err))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return NewInvalidParamsError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

// track logs a tool call and maps its error.
func (s *Server) track(tool string, start time.Time, requestID string, err error) error {
	if err != nil {
		s.logger.Warn("mcp_tool_failed",
			slog.String("tool", tool),
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return MapError(err)
	}
	s.logger.Info("mcp_tool_completed",
		slog.String("tool", tool),
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (s *Server) ingest(ctx context.Context, in IngestInput) (IngestOutput, error) {
	start, requestID := time.Now(), generateRequestID()
	if in.Content == "" && in.Path == "" {
		return IngestOutput{}, s.track(ToolIngest, start, requestID, NewInvalidParamsError("content or path is required"))
	}
	id, err := s.svc.Ingest(ctx, in.request(s.defaults))
	if err := s.track(ToolIngest, start, requestID, err); err != nil {
		return IngestOutput{}, err
	}
	return IngestOutput{JobID: id}, nil
}

func (s *Server) ingestStatus(_ context.Context, in IngestStatusInput) (IngestStatusOutput, error) {
	start, requestID := time.Now(), generateRequestID()
	if strings.TrimSpace(in.JobID) == "" {
		return IngestStatusOutput{}, s.track(ToolIngestStatus, start, requestID, NewInvalidParamsError("job_id is required"))
	}
	snap, err := s.svc.JobStatus(in.JobID)
	if err := s.track(ToolIngestStatus, start, requestID, err); err != nil {
		return IngestStatusOutput{}, err
	}
	return toIngestStatusOutput(snap), nil
}

// search returns the structured output and its markdown rendering.
func (s *Server) search(ctx context.Context, in SearchInput) (SearchOutput, string, error) {
	start, requestID := time.Now(), generateRequestID()
	if strings.TrimSpace(in.Query) == "" {
		err := NewInvalidParamsError("query cannot be empty or whitespace only")
		return SearchOutput{}, "", s.track(ToolSearch, start, requestID, err)
	}
	resp, err := s.svc.Search(ctx, in.Query, in.options())
	if err := s.track(ToolSearch, start, requestID, err); err != nil {
		return SearchOutput{}, "", err
	}
	return toSearchOutput(resp), FormatSearchResults(resp), nil
}

func (s *Server) deleteChunks(ctx context.Context, in DeleteChunksInput) (DeleteChunksOutput, error) {
	start, requestID := time.Now(), generateRequestID()
	n, err := s.svc.DeleteChunks(ctx, in.IDs)
	if err := s.track(ToolDeleteChunks, start, requestID, err); err != nil {
		return DeleteChunksOutput{}, err
	}
	return DeleteChunksOutput{Deleted: n}, nil
}

func (s *Server) updateChunk(ctx context.Context, in UpdateChunkInput) (UpdateChunkOutput, error) {
	start, requestID := time.Now(), generateRequestID()
	c, err := s.svc.UpdateChunk(ctx, in.ID, in.Content)
	if err := s.track(ToolUpdateChunk, start, requestID, err); err != nil {
		return UpdateChunkOutput{}, err
	}
	return UpdateChunkOutput{
		ChunkID:     c.ID,
		DocumentID:  c.DocumentID,
		Ordinal:     c.Ordinal,
		TotalChunks: c.TotalChunks,
		Content:     c.Content,
	}, nil
}

func (s *Server) mcpIngestHandler(ctx context.Context, _ *mcp.CallToolRequest, in IngestInput) (
	*mcp.CallToolResult,
	IngestOutput,
	error,
) {
	out, err := s.ingest(ctx, in)
	if err != nil {
		return nil, IngestOutput{}, err
	}
	return nil, out, nil
}

func (s *Server) mcpIngestStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, in IngestStatusInput) (
	*mcp.CallToolResult,
	IngestStatusOutput,
	error,
) {
	out, err := s.ingestStatus(ctx, in)
	if err != nil {
		return nil, IngestStatusOutput{}, err
	}
	return nil, out, nil
}

// mcpSearchHandler returns markdown for the model to read alongside the
// structured results.
func (s *Server) mcpSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	out, text, err := s.search(ctx, in)
	if err != nil {
		return nil, SearchOutput{}, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, out, nil
}

func (s *Server) mcpDeleteChunksHandler(ctx context.Context, _ *mcp.CallToolRequest, in DeleteChunksInput) (
	*mcp.CallToolResult,
	DeleteChunksOutput,
	error,
) {
	out, err := s.deleteChunks(ctx, in)
	if err != nil {
		return nil, DeleteChunksOutput{}, err
	}
	return nil, out, nil
}

func (s *Server) mcpUpdateChunkHandler(ctx context.Context, _ *mcp.CallToolRequest, in UpdateChunkInput) (
	*mcp.CallToolResult,
	UpdateChunkOutput,
	error,
) {
	out, err := s.updateChunk(ctx, in)
	if err != nil {
		return nil, UpdateChunkOutput{}, err
	}
	return nil, out, nil
}

// Serve runs the server on the given transport until ctx is cancelled or
// the client disconnects.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("mcp_server_starting", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("mcp_server_stopped")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
