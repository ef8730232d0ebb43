package app

import (
	"context"

	"github.com/Aman-CERP/knowpipe/internal/ingest"
	"github.com/Aman-CERP/knowpipe/internal/search"
	"github.com/Aman-CERP/knowpipe/internal/store"
)

// Service is the operation set exposed by the daemon, the MCP server and
// the CLI. *App implements it in process; the daemon client implements
// it over the socket.
type Service interface {
	Ingest(ctx context.Context, req ingest.Request) (string, error)
	IngestBatch(ctx context.Context, reqs []ingest.Request) (string, []string, error)
	JobStatus(id string) (ingest.JobSnapshot, error)
	BatchStatus(id string) (ingest.BatchSnapshot, error)
	Cancel(id string) error
	Search(ctx context.Context, query string, opts search.Options) (*search.Response, error)
	DeleteChunks(ctx context.Context, ids []string) (int, error)
	UpdateChunk(ctx context.Context, id, content string) (*store.Chunk, error)
	Status(ctx context.Context) (Status, error)
}

var _ Service = (*App)(nil)
