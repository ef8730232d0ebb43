package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/search"
	"github.com/Aman-CERP/knowpipe/internal/store"
	"github.com/Aman-CERP/knowpipe/internal/ui"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	k             int
	threshold     float64
	mode          string
	keywordWeight float64
	filters       []string
	noCache       bool
	full          bool
	noColor       bool
	jsonOutput    bool
}

func newSearchCmd(g *globals) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search ingested documents",
		Long: `Search ingested chunks.

Modes:
  hybrid    blend of semantic similarity and keyword relevance (default)
  semantic  embedding similarity only
  keyword   full-text relevance only

In hybrid mode the score is semantic*(1-w) + keyword*w, where w is
--keyword-weight. Results below --threshold are dropped.

Examples:
  knowpipe search "retry policy for embeddings"
  knowpipe search "quarterly revenue" --mode keyword -k 10
  knowpipe search "onboarding" --filter format=markdown --filter author=ops
  knowpipe search "error budget" --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, g, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.k, "k", "k", 0, "Number of results (default from config)")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Minimum score (default from config)")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "Search mode: hybrid, semantic, keyword")
	cmd.Flags().Float64Var(&opts.keywordWeight, "keyword-weight", 0, "Keyword share of the hybrid score, 0..1")
	cmd.Flags().StringArrayVar(&opts.filters, "filter", nil, "Metadata filter key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "Bypass the result cache")
	cmd.Flags().BoolVar(&opts.full, "full", false, "Print full chunk content")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", ui.DetectNoColor(), "Disable colors")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// searchRequest converts the flags the user set into search options.
func (o searchOptions) searchRequest(cmd *cobra.Command) (search.Options, error) {
	filter, err := store.ParseFilter(o.filters)
	if err != nil {
		return search.Options{}, kperrors.New(kperrors.ErrCodeInvalidQuery, err.Error(), nil)
	}
	opts := search.Options{
		K:         o.k,
		Mode:      search.Mode(o.mode),
		Filter:    filter,
		SkipCache: o.noCache,
	}
	if cmd.Flags().Changed("threshold") {
		opts.ScoreThreshold = search.Float(o.threshold)
	}
	if cmd.Flags().Changed("keyword-weight") {
		opts.KeywordWeight = search.Float(o.keywordWeight)
	}
	return opts, nil
}

func runSearch(ctx context.Context, cmd *cobra.Command, g *globals, query string, o searchOptions) error {
	opts, err := o.searchRequest(cmd)
	if err != nil {
		return err
	}

	svc, _, release, err := g.service(ctx)
	if err != nil {
		return err
	}
	defer release()

	resp, err := svc.Search(ctx, query, opts)
	if err != nil {
		return err
	}
	slog.Info("search_complete",
		slog.String("mode", string(resp.Mode)),
		slog.Int("results", len(resp.Results)),
		slog.Bool("cached", resp.Cached))

	r := ui.NewResultsRenderer(cmd.OutOrStdout(), o.noColor, o.full)
	if o.jsonOutput {
		return r.RenderJSON(resp)
	}
	return r.Render(resp)
}
