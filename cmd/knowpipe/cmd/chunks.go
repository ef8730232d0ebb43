package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/knowpipe/internal/output"
)

func newDeleteCmd(g *globals) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "delete <chunk-id>...",
		Short: "Delete chunks by ID",
		Long: `Remove chunks from the store and both search indexes.
Unknown IDs are ignored; the number of chunks removed is reported.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, release, err := g.service(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			n, err := svc.DeleteChunks(cmd.Context(), args)
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(map[string]int{"deleted": n})
			}
			out.Successf("Deleted %d of %d chunks", n, len(args))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newUpdateCmd(g *globals) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "update <chunk-id> <content | ->",
		Short: "Replace the content of one chunk",
		Long: `Replace a chunk's text. The chunk is removed and written again with
the same ID, position and document, and re-embedded when it had a
vector. Pass - to read the new content from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := args[1]
			if content == stdinArg {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				content = strings.TrimRight(string(data), "\n")
			}

			svc, _, release, err := g.service(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			chunk, err := svc.UpdateChunk(cmd.Context(), args[0], content)
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(chunk)
			}
			out.Successf("Updated chunk %s (%d characters)", chunk.ID, len([]rune(chunk.Content)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
