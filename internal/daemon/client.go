package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/knowpipe/internal/app"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
	"github.com/Aman-CERP/knowpipe/internal/search"
	"github.com/Aman-CERP/knowpipe/internal/store"
)

// Client talks to a running daemon. It implements app.Service, so the
// CLI drives a daemon and an in-process app the same way.
type Client struct {
	socketPath string
	timeout    time.Duration
	requestID  atomic.Uint64
}

var _ app.Service = (*Client)(nil)

// NewClient creates a new daemon client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{socketPath: cfg.SocketPath, timeout: cfg.Timeout}
}

// Connect establishes a connection to the daemon.
func (c *Client) Connect() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return conn, nil
}

// IsRunning checks if the daemon is accepting connections.
func (c *Client) IsRunning() bool {
	conn, err := c.Connect()
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// call sends one request on a fresh connection and decodes the result
// into out. A nil out discards the result.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	conn, err := c.Connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	req := Request{JSONRPC: jsonrpcVersion, Method: method, ID: c.nextID()}
	if params != nil {
		if req.Params, err = json.Marshal(params); err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("failed to receive response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error.Err()
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// background bounds calls whose app.Service signature has no context.
func (c *Client) background() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

// Ping checks if the daemon is responsive.
func (c *Client) Ping(ctx context.Context) error {
	var res PingResult
	if err := c.call(ctx, MethodPing, nil, &res); err != nil {
		return err
	}
	if !res.Pong {
		return fmt.Errorf("ping failed: daemon did not answer pong")
	}
	return nil
}

// DaemonStatus returns the app status together with the daemon's PID
// and uptime.
func (c *Client) DaemonStatus(ctx context.Context) (*StatusResult, error) {
	var res StatusResult
	if err := c.call(ctx, MethodStatus, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Status implements app.Service.
func (c *Client) Status(ctx context.Context) (app.Status, error) {
	res, err := c.DaemonStatus(ctx)
	if err != nil {
		return app.Status{}, err
	}
	return res.Status, nil
}

// ingestParams converts req for the wire. Paths are made absolute since
// the daemon resolves them from its own working directory.
func ingestParams(req ingest.Request) (IngestParams, error) {
	p := IngestParams{Content: req.Content, Path: req.Path, Filename: req.Filename, Format: req.Format}
	if p.Path != "" {
		abs, err := filepath.Abs(p.Path)
		if err != nil {
			return IngestParams{}, fmt.Errorf("failed to resolve %s: %w", p.Path, err)
		}
		p.Path = abs
	}
	opts, err := json.Marshal(req.Options)
	if err != nil {
		return IngestParams{}, fmt.Errorf("failed to encode options: %w", err)
	}
	p.Options = opts
	return p, nil
}

// Ingest implements app.Service.
func (c *Client) Ingest(ctx context.Context, req ingest.Request) (string, error) {
	p, err := ingestParams(req)
	if err != nil {
		return "", err
	}
	var res IngestResult
	if err := c.call(ctx, MethodIngest, p, &res); err != nil {
		return "", err
	}
	return res.JobID, nil
}

// IngestBatch implements app.Service.
func (c *Client) IngestBatch(ctx context.Context, reqs []ingest.Request) (string, []string, error) {
	params := IngestBatchParams{Documents: make([]IngestParams, len(reqs))}
	for i, req := range reqs {
		p, err := ingestParams(req)
		if err != nil {
			return "", nil, err
		}
		params.Documents[i] = p
	}
	var res IngestBatchResult
	if err := c.call(ctx, MethodIngestBatch, params, &res); err != nil {
		return "", nil, err
	}
	return res.BatchID, res.JobIDs, nil
}

// JobStatus implements app.Service.
func (c *Client) JobStatus(id string) (ingest.JobSnapshot, error) {
	ctx, cancel := c.background()
	defer cancel()
	var snap ingest.JobSnapshot
	err := c.call(ctx, MethodIngestStatus, JobParams{JobID: id}, &snap)
	return snap, err
}

// BatchStatus implements app.Service.
func (c *Client) BatchStatus(id string) (ingest.BatchSnapshot, error) {
	ctx, cancel := c.background()
	defer cancel()
	var snap ingest.BatchSnapshot
	err := c.call(ctx, MethodBatchStatus, BatchParams{BatchID: id}, &snap)
	return snap, err
}

// Cancel implements app.Service.
func (c *Client) Cancel(id string) error {
	ctx, cancel := c.background()
	defer cancel()
	return c.call(ctx, MethodCancel, JobParams{JobID: id}, nil)
}

// Search implements app.Service.
func (c *Client) Search(ctx context.Context, query string, opts search.Options) (*search.Response, error) {
	params := SearchParams{Query: query, Options: opts}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	var resp search.Response
	if err := c.call(ctx, MethodSearch, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteChunks implements app.Service.
func (c *Client) DeleteChunks(ctx context.Context, ids []string) (int, error) {
	var res DeleteChunksResult
	if err := c.call(ctx, MethodDeleteChunks, DeleteChunksParams{IDs: ids}, &res); err != nil {
		return 0, err
	}
	return res.Deleted, nil
}

// UpdateChunk implements app.Service.
func (c *Client) UpdateChunk(ctx context.Context, id, content string) (*store.Chunk, error) {
	var chunk store.Chunk
	if err := c.call(ctx, MethodUpdateChunk, UpdateChunkParams{ID: id, Content: content}, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (c *Client) nextID() string {
	return fmt.Sprintf("req-%d", c.requestID.Add(1))
}
