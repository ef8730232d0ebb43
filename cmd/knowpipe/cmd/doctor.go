package cmd

import (
	"github.com/spf13/cobra"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/output"
	"github.com/Aman-CERP/knowpipe/internal/preflight"
)

func newDoctorCmd(g *globals) *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that this host can run the pipeline",
		Long: `Run the preflight checks serve runs on first start: configuration,
a writable data directory, free disk space, the open-file limit and the
embedding provider. Passing all required checks records the result so
serve skips them later.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			checker := preflight.New(g.cfg,
				preflight.WithOutput(cmd.OutOrStdout()),
				preflight.WithVerbose(verbose))
			results := checker.RunAll(cmd.Context())

			if jsonOutput {
				if err := output.New(cmd.OutOrStdout()).JSON(map[string]any{
					"status": preflight.SummaryStatus(results),
					"checks": results,
				}); err != nil {
					return err
				}
			} else {
				checker.PrintResults(results)
			}

			if preflight.HasCriticalFailures(results) {
				_ = preflight.ClearMarker(g.cfg.DataDir)
				return kperrors.New(kperrors.ErrCodeConfigInvalid, "preflight checks failed", nil)
			}
			return preflight.MarkPassed(g.cfg.DataDir)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show check details")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
