package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/knowpipe/internal/app"
	"github.com/Aman-CERP/knowpipe/internal/chunk"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
	"github.com/Aman-CERP/knowpipe/internal/output"
	"github.com/Aman-CERP/knowpipe/internal/ui"
)

// stdinArg reads the document from standard input.
const stdinArg = "-"

// ingestOptions holds CLI flags for ingest.
type ingestOptions struct {
	strategy     string
	chunkSize    int
	chunkOverlap int
	targetChunks int
	noEmbeddings bool
	noMetadata   bool
	wait         bool
	filename     string
	format       string
	plain        bool
	noColor      bool
	jsonOutput   bool
}

func newIngestCmd(g *globals) *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest <file>... | -",
		Short: "Queue documents for ingestion",
		Long: `Parse, chunk, embed and store documents.

Each file becomes one job; several files are submitted as a batch. Jobs
run in the background, so without --wait the command prints the job IDs
and returns. Use 'knowpipe status <job>' to follow them. Without a
running daemon the pipeline lives in this process, so the command always
waits.

Re-ingesting a file replaces its previous chunks.

Examples:
  knowpipe ingest notes.md
  knowpipe ingest docs/*.pdf --strategy semantic --wait
  knowpipe ingest report.docx --chunk-size 500 --chunk-overlap 50
  knowpipe ingest handbook.pdf --strategy fixed-size --target-chunks 40
  cat draft.txt | knowpipe ingest - --filename draft.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd, g, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.strategy, "strategy", "s", "", "Chunking strategy: fixed-size, recursive, semantic")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", 0, "Chunk size in characters")
	cmd.Flags().IntVar(&opts.chunkOverlap, "chunk-overlap", 0, "Characters shared by adjacent chunks")
	cmd.Flags().IntVar(&opts.targetChunks, "target-chunks", 0, "Size chunks to split each document into about this many")
	cmd.Flags().BoolVar(&opts.noEmbeddings, "no-embeddings", false, "Store chunks for keyword search only")
	cmd.Flags().BoolVar(&opts.noMetadata, "no-metadata", false, "Drop title/author/date metadata from chunks")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Wait until every job finishes")
	cmd.Flags().StringVar(&opts.filename, "filename", "stdin.txt", "Document name when reading from stdin")
	cmd.Flags().StringVar(&opts.format, "format", "", "Format hint: text, markdown, pdf, docx")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "Plain progress output")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", ui.DetectNoColor(), "Disable colors")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// options overlays the flags the user set on defaults.
func (o ingestOptions) options(cmd *cobra.Command, defaults ingest.Options) ingest.Options {
	opts := defaults
	flags := cmd.Flags()
	if flags.Changed("strategy") {
		opts.ChunkingStrategy = chunk.Strategy(o.strategy)
	}
	if flags.Changed("chunk-size") {
		opts.ChunkSize = o.chunkSize
	}
	if flags.Changed("chunk-overlap") {
		opts.ChunkOverlap = o.chunkOverlap
	}
	if flags.Changed("target-chunks") {
		opts.TargetChunks = o.targetChunks
	}
	if o.noEmbeddings {
		opts.GenerateEmbeddings = false
	}
	if o.noMetadata {
		opts.ExtractMetadata = false
	}
	return opts
}

// requests builds one request per argument.
func (o ingestOptions) requests(stdin io.Reader, args []string, opts ingest.Options) ([]ingest.Request, error) {
	reqs := make([]ingest.Request, 0, len(args))
	for _, arg := range args {
		req := ingest.Request{Format: o.format, Options: opts}
		if arg == stdinArg {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("failed to read stdin: %w", err)
			}
			req.Content = data
			req.Filename = o.filename
		} else {
			req.Path = arg
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func runIngest(ctx context.Context, cmd *cobra.Command, g *globals, args []string, o ingestOptions) error {
	opts := o.options(cmd, app.IngestDefaults(g.cfg))
	if err := opts.Validate(); err != nil {
		return err
	}
	reqs, err := o.requests(cmd.InOrStdin(), args, opts)
	if err != nil {
		return err
	}

	svc, inProcess, release, err := g.service(ctx)
	if err != nil {
		return err
	}
	defer release()

	var batchID string
	var jobIDs []string
	if len(reqs) == 1 {
		id, err := svc.Ingest(ctx, reqs[0])
		if err != nil {
			return err
		}
		jobIDs = []string{id}
	} else {
		if batchID, jobIDs, err = svc.IngestBatch(ctx, reqs); err != nil {
			return err
		}
	}
	slog.Info("ingest_submitted",
		slog.Int("jobs", len(jobIDs)),
		slog.String("batch_id", batchID),
		slog.String("strategy", string(opts.ChunkingStrategy)))

	out := output.New(cmd.OutOrStdout())
	if !o.wait && !inProcess {
		if o.jsonOutput {
			return out.JSON(map[string]any{"batch_id": batchID, "job_ids": jobIDs})
		}
		if batchID != "" {
			out.Statusf("", "Batch %s", batchID)
		}
		for _, id := range jobIDs {
			out.Statusf("", "Queued job %s", id)
		}
		return nil
	}

	return waitForJobs(ctx, cmd, svc, jobIDs, o)
}

// waitForJobs follows jobIDs to their terminal state.
func waitForJobs(ctx context.Context, cmd *cobra.Command, svc app.Service, jobIDs []string, o ingestOptions) error {
	fetch := func(context.Context) ([]ingest.JobSnapshot, error) {
		snaps := make([]ingest.JobSnapshot, 0, len(jobIDs))
		for _, id := range jobIDs {
			snap, err := svc.JobStatus(id)
			if err != nil {
				return nil, err
			}
			snaps = append(snaps, snap)
		}
		return snaps, nil
	}

	progressOut := cmd.OutOrStdout()
	if o.jsonOutput {
		progressOut = cmd.ErrOrStderr()
	}
	renderer := ui.NewRenderer(ui.NewConfig(progressOut,
		ui.WithForcePlain(o.plain || o.jsonOutput),
		ui.WithNoColor(o.noColor)))

	sum, err := ui.Follow(ctx, renderer, ui.DefaultPollInterval, fetch)
	if errors.Is(err, ui.ErrDetached) {
		output.New(cmd.OutOrStdout()).Status("", "Stopped following; jobs keep running in the daemon")
		return nil
	}
	if err != nil {
		return err
	}

	if o.jsonOutput {
		snaps, err := fetch(ctx)
		if err != nil {
			return err
		}
		if err := output.New(cmd.OutOrStdout()).JSON(snaps); err != nil {
			return err
		}
	}
	if sum.Failed > 0 {
		return kperrors.New(kperrors.ErrCodeIngestFailed,
			fmt.Sprintf("%d of %d jobs failed", sum.Failed, sum.Jobs), nil)
	}
	return nil
}
