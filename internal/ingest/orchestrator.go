package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/knowpipe/internal/chunk"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/parse"
	"github.com/Aman-CERP/knowpipe/internal/store"
)

// Defaults
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
	DefaultRetention = time.Hour
)

// Embedder is the slice of the embedding gateway the pipeline uses.
type Embedder interface {
	EmbedAttempts(ctx context.Context, texts []string) ([][]float32, int, error)
}

// ChunkStore is where finished chunks go.
type ChunkStore interface {
	UpsertDocument(ctx context.Context, doc *store.Document) error
	ReplaceDocumentChunks(ctx context.Context, docID string, chunks []*store.Chunk) ([]string, error)
}

// Config sizes the worker pool.
type Config struct {
	Workers          int
	QueueSize        int
	Retention        time.Duration
	MaxDocumentBytes int64

	// Chunking holds the chunker tuning that requests do not carry
	// (minimum size, depth, similarity threshold, tolerance). Zero
	// fields take the chunk package defaults.
	Chunking chunk.Options

	// ContextExcerpt > 0 stores that many runes of each chunk's neighbours
	// in its metadata (context_prev, context_next).
	ContextExcerpt int

	// JanitorInterval is how often finished jobs are evicted. It
	// defaults to Retention, capped at one minute.
	JanitorInterval time.Duration

	// OnCommit, when set, is called from the worker after a document's
	// chunks are persisted.
	OnCommit func(documentID string)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Chunking == (chunk.Options{}) {
		c.Chunking = chunk.DefaultOptions()
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = min(c.Retention, time.Minute)
	}
	return c
}

// BatchSnapshot aggregates the jobs of one SubmitBatch call. Jobs
// already evicted by retention are not counted by state.
type BatchSnapshot struct {
	ID         string   `json:"batch_id"`
	JobIDs     []string `json:"job_ids"`
	Total      int      `json:"total"`
	Queued     int      `json:"queued"`
	Processing int      `json:"processing"`
	Completed  int      `json:"completed"`
	Failed     int      `json:"failed"`
}

// Done reports whether every tracked job has finished.
func (b BatchSnapshot) Done() bool {
	return b.Queued == 0 && b.Processing == 0
}

// Stats summarizes orchestrator load.
type Stats struct {
	Workers    int `json:"workers"`
	QueueDepth int `json:"queue_depth"`
	Jobs       int `json:"jobs"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Orchestrator accepts ingestion requests and runs them on a worker pool.
type Orchestrator struct {
	cfg      Config
	parsers  *parse.Registry
	embedder Embedder
	store    ChunkStore
	jobs     *registry
	now      func() time.Time

	// mu guards closed and sends on queue.
	mu     sync.Mutex
	closed bool
	queue  chan *Job

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	stop       chan struct{}
	closeOnce  sync.Once
}

// New starts an orchestrator with cfg.Workers workers and a retention
// janitor. embedder may be nil when no request asks for embeddings.
func New(cfg Config, parsers *parse.Registry, embedder Embedder, st ChunkStore) *Orchestrator {
	cfg = cfg.withDefaults()
	if parsers == nil {
		parsers = parse.DefaultRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		parsers:    parsers,
		embedder:   embedder,
		store:      st,
		jobs:       newRegistry(),
		now:        time.Now,
		queue:      make(chan *Job, cfg.QueueSize),
		baseCtx:    ctx,
		baseCancel: cancel,
		stop:       make(chan struct{}),
	}

	o.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go o.worker()
	}
	go o.janitor()
	return o
}

// Submit validates req, records a queued job and returns its ID without
// waiting for any work. A full queue gives ERR_304_BACKPRESSURE.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	job, err := o.newJob(req, "")
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.acceptLocked(1); err != nil {
		return "", err
	}
	o.jobs.add(job)
	o.queue <- job

	slog.Debug("ingest_job_queued",
		slog.String("job_id", job.ID),
		slog.String("filename", job.doc.Filename))
	return job.ID, nil
}

// SubmitBatch submits every request or none: all are validated, and the
// queue must have room for the whole batch.
func (o *Orchestrator) SubmitBatch(ctx context.Context, reqs []Request) (string, []string, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if len(reqs) == 0 {
		return "", nil, kperrors.ValidationError("batch is empty", nil)
	}

	batchID := uuid.NewString()
	jobs := make([]*Job, len(reqs))
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		job, err := o.newJob(req, batchID)
		if err != nil {
			if pe, ok := kperrors.As(err); ok {
				return "", nil, pe.WithDetail("index", itoa(i))
			}
			return "", nil, err
		}
		jobs[i] = job
		ids[i] = job.ID
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.acceptLocked(len(jobs)); err != nil {
		return "", nil, err
	}
	o.jobs.add(jobs...)
	o.jobs.addBatch(batchID, ids)
	for _, job := range jobs {
		o.queue <- job
	}

	slog.Info("ingest_batch_queued",
		slog.String("batch_id", batchID),
		slog.Int("jobs", len(jobs)))
	return batchID, ids, nil
}

func (o *Orchestrator) newJob(req Request, batchID string) (*Job, error) {
	if err := req.validate(o.cfg.MaxDocumentBytes); err != nil {
		return nil, err
	}
	name := req.name()
	doc := Document{
		ID:       DocumentID(name),
		Filename: name,
		Format:   req.Format,
		Content:  req.Content,
	}
	job := newJob(uuid.NewString(), req, doc, o.now())
	job.BatchID = batchID
	return job, nil
}

// acceptLocked checks that n jobs can be queued. Only senders holding mu
// add to the queue, so free capacity cannot shrink before they send.
func (o *Orchestrator) acceptLocked(n int) error {
	if o.closed {
		return kperrors.New(kperrors.ErrCodeBackpressure, "orchestrator is shutting down", nil)
	}
	if free := cap(o.queue) - len(o.queue); free < n {
		return kperrors.New(kperrors.ErrCodeBackpressure, "ingestion queue is full", nil).
			WithDetail("queue_size", itoa(cap(o.queue))).
			WithDetail("requested", itoa(n)).
			WithSuggestion("retry after running jobs finish")
	}
	return nil
}

// Status returns a snapshot of the job, or ERR_406_JOB_NOT_FOUND.
func (o *Orchestrator) Status(jobID string) (JobSnapshot, error) {
	job, ok := o.jobs.get(jobID)
	if !ok {
		return JobSnapshot{}, jobNotFound(jobID)
	}
	return job.Snapshot(o.now()), nil
}

// BatchStatus aggregates a batch's job states.
func (o *Orchestrator) BatchStatus(batchID string) (BatchSnapshot, error) {
	ids, ok := o.jobs.batch(batchID)
	if !ok {
		return BatchSnapshot{}, kperrors.New(kperrors.ErrCodeJobNotFound, "batch not found", nil).
			WithDetail("batch_id", batchID)
	}
	snap := BatchSnapshot{ID: batchID, JobIDs: append([]string(nil), ids...), Total: len(ids)}
	for _, id := range ids {
		job, ok := o.jobs.get(id)
		if !ok {
			continue
		}
		switch job.currentState() {
		case StateQueued:
			snap.Queued++
		case StateProcessing:
			snap.Processing++
		case StateCompleted:
			snap.Completed++
		case StateFailed:
			snap.Failed++
		}
	}
	return snap, nil
}

// Cancel stops a queued or processing job; it then fails with step
// cancelled. A job that commits its chunks before noticing still
// completes. Cancelling a finished job is an ERR_408_INVALID_OPTION.
func (o *Orchestrator) Cancel(jobID string) error {
	job, ok := o.jobs.get(jobID)
	if !ok {
		return jobNotFound(jobID)
	}
	if !job.requestCancel(o.now()) {
		return kperrors.New(kperrors.ErrCodeInvalidOption, "job already finished", nil).
			WithDetail("job_id", jobID)
	}
	slog.Info("ingest_job_cancel_requested", slog.String("job_id", jobID))
	return nil
}

// List returns snapshots of all tracked jobs, oldest first.
func (o *Orchestrator) List() []JobSnapshot {
	now := o.now()
	jobs := o.jobs.all()
	out := make([]JobSnapshot, len(jobs))
	for i, j := range jobs {
		out[i] = j.Snapshot(now)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats counts jobs by state.
func (o *Orchestrator) Stats() Stats {
	s := Stats{Workers: o.cfg.Workers, QueueDepth: len(o.queue)}
	for _, j := range o.jobs.all() {
		s.Jobs++
		switch j.currentState() {
		case StateQueued:
			s.Queued++
		case StateProcessing:
			s.Processing++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		}
	}
	return s
}

// Sweep evicts jobs that finished more than Retention ago.
func (o *Orchestrator) Sweep() int {
	n := o.jobs.evict(o.now().Add(-o.cfg.Retention))
	if n > 0 {
		slog.Debug("ingest_jobs_evicted", slog.Int("count", n), slog.Int("remaining", o.jobs.len()))
	}
	return n
}

func (o *Orchestrator) janitor() {
	ticker := time.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.Sweep()
		}
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for job := range o.queue {
		o.process(job)
	}
}

// Close stops accepting jobs and waits for queued and running ones. When
// ctx ends first, running jobs are cancelled and Close returns ctx's
// error once the workers exit.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.queue)
		o.mu.Unlock()
		close(o.stop)
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.baseCancel()
		return nil
	case <-ctx.Done():
		o.baseCancel()
		<-done
		return ctx.Err()
	}
}

func jobNotFound(id string) error {
	return kperrors.New(kperrors.ErrCodeJobNotFound, "job not found", nil).
		WithDetail("job_id", id).
		WithSuggestion("finished jobs are kept for the retention window only")
}
