package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/knowpipe/internal/ingest"
	"github.com/Aman-CERP/knowpipe/internal/output"
	"github.com/Aman-CERP/knowpipe/internal/ui"
)

func newStatusCmd(g *globals) *cobra.Command {
	var (
		batch      bool
		jsonOutput bool
		noColor    bool
	)

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show pipeline, job or batch status",
		Long: `Without arguments, show the store, embedder, ingest and cache status.

With a job ID, show that job's state, timing and result or error. With
--batch, the argument is a batch ID and the aggregate counts are shown.
Jobs live in the daemon's memory until their retention window ends.

Examples:
  knowpipe status
  knowpipe status 3f2a...            # one job
  knowpipe status --batch 9c1e...    # a batch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.New(cmd.OutOrStdout())
			switch {
			case len(args) == 0:
				return runPipelineStatus(cmd.Context(), cmd, g, jsonOutput, noColor)
			case batch:
				return runBatchStatus(cmd.Context(), out, g, args[0], jsonOutput)
			default:
				return runJobStatus(cmd.Context(), out, g, args[0], jsonOutput)
			}
		},
	}

	cmd.Flags().BoolVar(&batch, "batch", false, "Treat the argument as a batch ID")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&noColor, "no-color", ui.DetectNoColor(), "Disable colors")
	return cmd
}

func runPipelineStatus(ctx context.Context, cmd *cobra.Command, g *globals, jsonOutput, noColor bool) error {
	svc, _, release, err := g.service(ctx)
	if err != nil {
		return err
	}
	defer release()

	st, err := svc.Status(ctx)
	if err != nil {
		return err
	}
	r := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor)
	if jsonOutput {
		return r.RenderJSON(st)
	}
	return r.Render(st)
}

func runJobStatus(ctx context.Context, out *output.Writer, g *globals, id string, jsonOutput bool) error {
	svc, _, release, err := g.service(ctx)
	if err != nil {
		return err
	}
	defer release()

	snap, err := svc.JobStatus(id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return out.JSON(snap)
	}
	renderJob(out, snap)
	return nil
}

// renderJob prints one job snapshot.
func renderJob(out *output.Writer, snap ingest.JobSnapshot) {
	fields := []output.Field{
		{Key: "Job", Value: snap.ID},
		{Key: "File", Value: snap.Filename},
		{Key: "State", Value: string(snap.State)},
	}
	if snap.BatchID != "" {
		fields = append(fields, output.Field{Key: "Batch", Value: snap.BatchID})
	}
	if snap.Step != "" && !snap.State.Terminal() {
		fields = append(fields, output.Field{Key: "Step", Value: string(snap.Step)})
	}
	if snap.State.Terminal() {
		fields = append(fields, output.Field{Key: "Took", Value: fmt.Sprintf("%.2fs", snap.ProcessingSeconds)})
	} else {
		fields = append(fields, output.Field{Key: "Elapsed", Value: fmt.Sprintf("%.2fs", snap.ElapsedSeconds)})
	}
	if r := snap.Result; r != nil {
		fields = append(fields,
			output.Field{Key: "Chunks", Value: strconv.Itoa(r.ChunkCount)},
			output.Field{Key: "Attempts", Value: strconv.Itoa(r.Attempts)})
		if r.Sections > 0 {
			fields = append(fields, output.Field{Key: "Sections", Value: strconv.Itoa(r.Sections)})
		}
	}
	if e := snap.Error; e != nil {
		fields = append(fields, output.Field{Key: "Error", Value: e.Error()})
	}
	out.Fields(fields...)
}

func runBatchStatus(ctx context.Context, out *output.Writer, g *globals, id string, jsonOutput bool) error {
	svc, _, release, err := g.service(ctx)
	if err != nil {
		return err
	}
	defer release()

	snap, err := svc.BatchStatus(id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return out.JSON(snap)
	}
	out.Fields(
		output.Field{Key: "Batch", Value: snap.ID},
		output.Field{Key: "Total", Value: strconv.Itoa(snap.Total)},
		output.Field{Key: "Queued", Value: strconv.Itoa(snap.Queued)},
		output.Field{Key: "Processing", Value: strconv.Itoa(snap.Processing)},
		output.Field{Key: "Completed", Value: strconv.Itoa(snap.Completed)},
		output.Field{Key: "Failed", Value: strconv.Itoa(snap.Failed)},
	)
	return nil
}

func newCancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Cancel queued or running jobs",
		Long: `Cancel ingest jobs. A cancelled job fails at step "cancelled" and
leaves the document's previous chunks in place.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, release, err := g.service(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			out := output.New(cmd.OutOrStdout())
			for _, id := range args {
				if err := svc.Cancel(id); err != nil {
					return err
				}
				out.Successf("Cancelled %s", id)
			}
			return nil
		},
	}
}
