package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Aman-CERP/knowpipe/internal/app"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
)

// StatusResult is the response to status: the app status plus the
// daemon process.
type StatusResult struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	app.Status
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server listens on a Unix socket and answers one JSON-RPC request per
// connection.
type Server struct {
	socketPath string
	timeout    time.Duration
	svc        app.Service
	defaults   ingest.Options
	methods    map[string]handlerFunc
	listener   net.Listener
	started    time.Time

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a server for svc. defaults seed ingest options a
// request leaves out.
func NewServer(cfg Config, svc app.Service, defaults ingest.Options) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, kperrors.ConfigError("socket path cannot be empty", nil)
	}
	if svc == nil {
		return nil, kperrors.InternalError("daemon server needs a service", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	s := &Server{
		socketPath: cfg.SocketPath,
		timeout:    cfg.Timeout,
		svc:        svc,
		defaults:   defaults,
	}
	s.methods = map[string]handlerFunc{
		MethodPing:         s.handlePing,
		MethodStatus:       s.handleStatus,
		MethodIngest:       s.handleIngest,
		MethodIngestBatch:  s.handleIngestBatch,
		MethodIngestStatus: s.handleIngestStatus,
		MethodBatchStatus:  s.handleBatchStatus,
		MethodCancel:       s.handleCancel,
		MethodSearch:       s.handleSearch,
		MethodDeleteChunks: s.handleDeleteChunks,
		MethodUpdateChunk:  s.handleUpdateChunk,
	}
	return s, nil
}

// ListenAndServe starts the server and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// A socket left by a crashed daemon would block Listen.
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		slog.Warn("socket_chmod_failed", slog.String("error", err.Error()))
	}
	s.mu.Lock()
	s.listener = listener
	s.started = time.Now()
	s.mu.Unlock()

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	slog.Info("daemon_listening", slog.String("socket", s.socketPath))

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			slog.Error("daemon_accept_failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.wg.Wait()
	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		slog.Warn("daemon_deadline_failed", slog.String("error", err.Error()))
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		_ = encoder.Encode(NewErrorResponse("", ErrCodeParseError, "failed to parse request"))
		return
	}

	start := time.Now()
	resp := s.handleRequest(ctx, req)
	if err := encoder.Encode(resp); err != nil {
		slog.Warn("daemon_write_failed", slog.String("method", req.Method), slog.String("error", err.Error()))
	}
	slog.Debug("daemon_request",
		slog.String("method", req.Method),
		slog.Bool("ok", resp.Error == nil),
		slog.Duration("duration", time.Since(start)))
}

// handleRequest dispatches a request to its method.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if req.JSONRPC != jsonrpcVersion {
		return NewErrorResponse(req.ID, ErrCodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}
	h, ok := s.methods[req.Method]
	if !ok {
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return NewSuccessResponse(req.ID, result)
}

// decodeParams unmarshals params into v. Missing params leave v zero.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return kperrors.ValidationError("failed to decode params", err)
	}
	return nil
}

func (s *Server) handlePing(context.Context, json.RawMessage) (any, error) {
	return PingResult{Pong: true}, nil
}

func (s *Server) handleStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	st, err := s.svc.Status(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return StatusResult{
		Running: true,
		PID:     os.Getpid(),
		Uptime:  time.Since(started).Round(time.Second).String(),
		Status:  st,
	}, nil
}

func (s *Server) handleIngest(ctx context.Context, params json.RawMessage) (any, error) {
	var p IngestParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, err := p.request(s.defaults)
	if err != nil {
		return nil, err
	}
	id, err := s.svc.Ingest(ctx, req)
	if err != nil {
		return nil, err
	}
	return IngestResult{JobID: id}, nil
}

func (s *Server) handleIngestBatch(ctx context.Context, params json.RawMessage) (any, error) {
	var p IngestBatchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	reqs := make([]ingest.Request, len(p.Documents))
	for i, d := range p.Documents {
		req, err := d.request(s.defaults)
		if err != nil {
			return nil, err
		}
		reqs[i] = req
	}
	batchID, jobIDs, err := s.svc.IngestBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}
	return IngestBatchResult{BatchID: batchID, JobIDs: jobIDs}, nil
}

func (s *Server) handleIngestStatus(_ context.Context, params json.RawMessage) (any, error) {
	var p JobParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.svc.JobStatus(p.JobID)
}

func (s *Server) handleBatchStatus(_ context.Context, params json.RawMessage) (any, error) {
	var p BatchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.svc.BatchStatus(p.BatchID)
}

func (s *Server) handleCancel(_ context.Context, params json.RawMessage) (any, error) {
	var p JobParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.svc.Cancel(p.JobID); err != nil {
		return nil, err
	}
	return CancelResult{Cancelled: true}, nil
}

func (s *Server) handleSearch(ctx context.Context, params json.RawMessage) (any, error) {
	var p SearchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.svc.Search(ctx, p.Query, p.Options)
}

func (s *Server) handleDeleteChunks(ctx context.Context, params json.RawMessage) (any, error) {
	var p DeleteChunksParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	n, err := s.svc.DeleteChunks(ctx, p.IDs)
	if err != nil {
		return nil, err
	}
	return DeleteChunksResult{Deleted: n}, nil
}

func (s *Server) handleUpdateChunk(ctx context.Context, params json.RawMessage) (any, error) {
	var p UpdateChunkParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.svc.UpdateChunk(ctx, p.ID, p.Content)
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
