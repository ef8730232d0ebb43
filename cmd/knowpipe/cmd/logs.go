package cmd

import (
	"fmt"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/knowpipe/internal/logging"
	"github.com/Aman-CERP/knowpipe/internal/ui"
)

type logsOptions struct {
	follow  bool
	lines   int
	level   string
	filter  string
	noColor bool
	file    string
}

func newLogsCmd(g *globals) *cobra.Command {
	var opts logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show pipeline logs",
		Long: `Print the last lines of the knowpipe log file, optionally following it.

The log lives under the data directory (logs/knowpipe.log) unless
logging.file_path points elsewhere.

Examples:
  knowpipe logs                  # Last 50 lines
  knowpipe logs -f --level warn  # Follow warnings and errors
  knowpipe logs --filter job_id  # Lines matching a regex`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.file == "" {
				opts.file = g.cfg.Logging.FilePath
			}
			if opts.file == "" {
				opts.file = logging.LogPath(g.cfg.DataDir)
			}
			if !cmd.Flags().Changed("no-color") {
				opts.noColor = ui.DetectNoColor()
			}
			return runLogs(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of lines to show (0 for all)")
	cmd.Flags().StringVar(&opts.level, "level", "", "Minimum level (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Only lines matching this regex")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&opts.file, "file", "", "Read this log file instead")
	return cmd
}

func runLogs(cmd *cobra.Command, opts logsOptions) error {
	cfg := logging.ViewerConfig{Level: opts.level, NoColor: opts.noColor}
	if opts.filter != "" {
		pattern, err := regexp.Compile(opts.filter)
		if err != nil {
			return fmt.Errorf("invalid filter pattern: %w", err)
		}
		cfg.Pattern = pattern
	}

	viewer := logging.NewViewer(cfg, cmd.OutOrStdout())
	entries, err := viewer.Tail(opts.file, opts.lines)
	if err != nil {
		return err
	}
	viewer.Print(entries)

	if !opts.follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	followed := make(chan logging.Entry, 64)
	done := make(chan error, 1)
	go func() {
		done <- viewer.Follow(ctx, opts.file, followed)
	}()

	for {
		select {
		case entry := <-followed:
			viewer.Print([]logging.Entry{entry})
		case err := <-done:
			return err
		case <-ctx.Done():
			return <-done
		}
	}
}
