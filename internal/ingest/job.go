// Package ingest runs documents through parse, chunk, embed and persist
// on a bounded worker pool and tracks each submission as a job.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Step names a pipeline stage. Failures record the step they happened in.
type Step string

const (
	StepRead      Step = "read"
	StepParse     Step = "parse"
	StepChunk     Step = "chunk"
	StepEmbed     Step = "embed"
	StepPersist   Step = "persist"
	StepCancelled Step = "cancelled"
)

// Document is the unit of ingestion. Its ID is derived from Filename, so
// ingesting the same filename again replaces the earlier chunk set.
type Document struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Format    string    `json:"format"`
	Content   []byte    `json:"-"`
	Status    State     `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobResult is what a completed job produced.
type JobResult struct {
	ChunkCount int      `json:"chunk_count"`
	ChunkIDs   []string `json:"chunk_ids"`
	Attempts   int      `json:"attempts"`
	// Sections counts the heading sections the chunks fall under; zero when
	// the chunker records no section paths.
	Sections   int      `json:"sections,omitempty"`
}

// JobError is why a job failed.
type JobError struct {
	Step    Step   `json:"step"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: [%s] %s", e.Step, e.Code, e.Message)
}

// JobSnapshot is an immutable view of a job.
type JobSnapshot struct {
	ID                string     `json:"job_id"`
	BatchID           string     `json:"batch_id,omitempty"`
	DocumentID        string     `json:"document_id"`
	Filename          string     `json:"filename"`
	State             State      `json:"state"`
	Step              Step       `json:"step,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	ElapsedSeconds    float64    `json:"elapsed_seconds,omitempty"`
	ProcessingSeconds float64    `json:"processing_seconds,omitempty"`
	Result            *JobResult `json:"result,omitempty"`
	Error             *JobError  `json:"error,omitempty"`
}

// Job tracks one document through the pipeline. All fields after mu are
// guarded by it; the pipeline never holds mu while doing work.
type Job struct {
	ID      string
	BatchID string
	req     Request

	mu         sync.Mutex
	doc        Document
	state      State
	step       Step
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	result     *JobResult
	err        *JobError
	cancel     context.CancelFunc
	cancelled  bool
}

func newJob(id string, req Request, doc Document, now time.Time) *Job {
	doc.Status = StateQueued
	doc.CreatedAt = now
	doc.UpdatedAt = now
	return &Job{ID: id, req: req, doc: doc, state: StateQueued, createdAt: now}
}

// transition moves the job forward. Moves out of a terminal state, back
// to an earlier state, or to the same state are rejected.
func (j *Job) transition(to State, now time.Time) error {
	ok := false
	switch j.state {
	case StateQueued:
		ok = to == StateProcessing || to == StateFailed
	case StateProcessing:
		ok = to == StateCompleted || to == StateFailed
	}
	if !ok {
		return kperrors.InternalError(fmt.Sprintf("invalid job transition %s -> %s", j.state, to), nil).
			WithDetail("job_id", j.ID)
	}

	j.state = to
	j.doc.Status = to
	j.doc.UpdatedAt = now
	switch to {
	case StateProcessing:
		j.startedAt = now
	case StateCompleted, StateFailed:
		j.finishedAt = now
	}
	return nil
}

// start marks the job processing and installs its cancel func. It
// returns false when the job already finished, as a cancelled queued job
// does.
func (j *Job) start(cancel context.CancelFunc, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled || j.transition(StateProcessing, now) != nil {
		return false
	}
	j.cancel = cancel
	return true
}

func (j *Job) setStep(s Step) {
	j.mu.Lock()
	j.step = s
	j.mu.Unlock()
}

func (j *Job) complete(res *JobResult, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(StateCompleted, now); err != nil {
		return err
	}
	j.result = res
	j.cancel = nil
	return nil
}

// fail records err against step. A cancelled job always fails with step
// cancelled.
func (j *Job) fail(step Step, err error, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		step = StepCancelled
		err = kperrors.New(kperrors.ErrCodeJobCancelled, "job cancelled", err)
	}
	if terr := j.transition(StateFailed, now); terr != nil {
		return terr
	}
	j.step = step
	j.err = jobError(step, err)
	j.cancel = nil
	return nil
}

// requestCancel marks the job cancelled. A queued job fails at once; a
// processing job has its context cancelled and fails when the pipeline
// notices. It reports false for finished jobs.
func (j *Job) requestCancel(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.cancelled = true
	if j.state == StateQueued {
		_ = j.transition(StateFailed, now)
		j.step = StepCancelled
		j.err = &JobError{Step: StepCancelled, Code: kperrors.ErrCodeJobCancelled, Message: "job cancelled before it started"}
		return true
	}
	if j.cancel != nil {
		j.cancel()
	}
	return true
}

// finishedBefore reports whether the job finished before t.
func (j *Job) finishedBefore(t time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Terminal() && j.finishedAt.Before(t)
}

func (j *Job) currentState() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Snapshot returns a copy of the job's state at now.
func (j *Job) Snapshot(now time.Time) JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := JobSnapshot{
		ID:         j.ID,
		BatchID:    j.BatchID,
		DocumentID: j.doc.ID,
		Filename:   j.doc.Filename,
		State:      j.state,
		Step:       j.step,
		CreatedAt:  j.createdAt,
	}
	if !j.startedAt.IsZero() {
		started := j.startedAt
		snap.StartedAt = &started
	}
	switch {
	case j.state.Terminal():
		finished := j.finishedAt
		snap.FinishedAt = &finished
		if !j.startedAt.IsZero() {
			snap.ProcessingSeconds = finished.Sub(j.startedAt).Seconds()
		}
	case j.state == StateProcessing:
		snap.ElapsedSeconds = now.Sub(j.startedAt).Seconds()
	}
	if j.result != nil {
		res := *j.result
		res.ChunkIDs = append([]string(nil), j.result.ChunkIDs...)
		snap.Result = &res
	}
	if j.err != nil {
		e := *j.err
		snap.Error = &e
	}
	return snap
}

func jobError(step Step, err error) *JobError {
	code := kperrors.GetCode(err)
	if code == "" {
		code = kperrors.ErrCodeInternal
	}
	msg := err.Error()
	if pe, ok := kperrors.As(err); ok {
		msg = pe.Message
		if pe.Cause != nil {
			msg += ": " + pe.Cause.Error()
		}
	}
	return &JobError{Step: step, Code: code, Message: msg}
}
