package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/knowpipe/internal/app"
	"github.com/Aman-CERP/knowpipe/internal/mcp"
)

func newMCPCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the pipeline as MCP tools over stdio",
		Long: `Start a Model Context Protocol server on stdin/stdout exposing the
ingest, ingest_status, search, delete_chunks and update_chunk tools.

Tool calls go to the daemon when it is running. Otherwise the pipeline is
opened in process for the life of the session. Logs go to the log file
only, since stdout carries the protocol.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd.Context(), g)
		},
	}
}

func runMCP(ctx context.Context, g *globals) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, inProcess, release, err := g.service(ctx)
	if err != nil {
		return err
	}
	defer release()

	srv, err := mcp.NewServer(svc, app.IngestDefaults(g.cfg))
	if err != nil {
		return err
	}
	slog.Info("mcp_session_started", slog.Bool("in_process", inProcess))
	return srv.Serve(ctx, "stdio")
}
