package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
)

// Target receives the changes a Syncer derives from file events.
// *app.App satisfies it.
type Target interface {
	Ingest(ctx context.Context, req ingest.Request) (string, error)
	DeleteDocument(ctx context.Context, filename string) (int, error)
}

// Syncer applies watcher batches to a Target. Documents are named by
// their slash path relative to the root, so files with the same base name
// in different directories stay distinct.
type Syncer struct {
	target   Target
	root     string
	opts     ingest.Options
	exts     []string
	onChange func(FileEvent, string, error)
}

// SyncOption configures a Syncer.
type SyncOption func(*Syncer)

// WithExtensions limits Scan to files with one of exts.
func WithExtensions(exts []string) SyncOption {
	return func(s *Syncer) { s.exts = exts }
}

// WithNotify is called after each event is applied with the job ID (for
// ingestions) and any error.
func WithNotify(fn func(ev FileEvent, jobID string, err error)) SyncOption {
	return func(s *Syncer) { s.onChange = fn }
}

// NewSyncer creates a syncer for files under root, ingested with opts.
func NewSyncer(target Target, root string, opts ingest.Options, options ...SyncOption) (*Syncer, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, kperrors.ConfigError("resolve watch root", err).WithDetail("root", root)
	}
	s := &Syncer{target: target, root: abs, opts: opts}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Scan submits every visible file under the root with a watched
// extension and returns how many were queued.
func (s *Syncer) Scan(ctx context.Context) (int, error) {
	queued := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.root {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if hidden(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !matchesExtension(rel, s.exts) {
			return nil
		}
		if s.apply(ctx, FileEvent{Path: rel, Operation: OpCreate}) == nil {
			queued++
		}
		return nil
	})
	if err != nil {
		return queued, kperrors.New(kperrors.ErrCodeFileNotFound, "scan watch root", err).WithDetail("root", s.root)
	}
	slog.Info("watch_scan_completed", slog.String("root", s.root), slog.Int("queued", queued))
	return queued, nil
}

// Apply handles one batch. Failures are logged and do not stop the batch.
func (s *Syncer) Apply(ctx context.Context, batch []FileEvent) {
	for _, ev := range batch {
		_ = s.apply(ctx, ev)
	}
}

// Run applies batches from events until the channel closes or ctx ends.
func (s *Syncer) Run(ctx context.Context, events <-chan []FileEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-events:
			if !ok {
				return
			}
			s.Apply(ctx, batch)
		}
	}
}

func (s *Syncer) apply(ctx context.Context, ev FileEvent) error {
	var (
		jobID string
		err   error
	)
	switch ev.Operation {
	case OpCreate, OpModify:
		jobID, err = s.target.Ingest(ctx, ingest.Request{
			Path:     filepath.Join(s.root, filepath.FromSlash(ev.Path)),
			Filename: ev.Path,
			Options:  s.opts,
		})
		if err == nil {
			slog.Info("watch_ingest_queued", slog.String("path", ev.Path), slog.String("job_id", jobID))
		}
	case OpDelete, OpRename:
		var n int
		n, err = s.target.DeleteDocument(ctx, ev.Path)
		if err == nil {
			slog.Info("watch_document_removed", slog.String("path", ev.Path), slog.Int("chunks", n))
		}
	}

	if err != nil {
		attrs := append([]slog.Attr{slog.String("path", ev.Path), slog.String("op", ev.Operation.String())},
			kperrors.LogAttrs(err)...)
		slog.LogAttrs(ctx, slog.LevelWarn, "watch_apply_failed", attrs...)
	}
	if s.onChange != nil {
		s.onChange(ev, jobID, err)
	}
	return err
}
