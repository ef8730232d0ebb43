// Package cmd provides the CLI commands for knowpipe.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/knowpipe/internal/app"
	"github.com/Aman-CERP/knowpipe/internal/config"
	"github.com/Aman-CERP/knowpipe/internal/daemon"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/logging"
	"github.com/Aman-CERP/knowpipe/internal/profiling"
	"github.com/Aman-CERP/knowpipe/pkg/version"
)

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip_config"

// closeTimeout bounds how long an in-process app may drain on exit.
const closeTimeout = 30 * time.Second

// globals carries the persistent flags and the state PersistentPreRunE
// builds from them.
type globals struct {
	dir     string
	dataDir string
	debug   bool
	local   bool
	profile profiling.Options

	cfg            *config.Config
	profiler       *profiling.Session
	loggingCleanup func()
}

// NewRootCmd creates the root command for the knowpipe CLI.
func NewRootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "knowpipe",
		Short: "Document ingestion and hybrid search pipeline",
		Long: `knowpipe ingests text, Markdown, PDF and DOCX documents, splits them
into chunks with a fixed-size, recursive or semantic strategy, embeds
them and serves semantic, keyword and hybrid search with a similarity
cache in front.

Run 'knowpipe serve' to keep a daemon with the pipeline loaded; other
commands use it when its socket is up and open the store in process
otherwise.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("knowpipe version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&g.dir, "dir", ".", "Directory holding .knowpipe.yaml and .env")
	cmd.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "Override the data directory")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&g.local, "local", false, "Open the store in process even when a daemon is running")
	cmd.PersistentFlags().StringVar(&g.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&g.profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&g.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = g.setup
	cmd.PersistentPostRunE = g.teardown

	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newStopCmd(g))
	cmd.AddCommand(newMCPCmd(g))
	cmd.AddCommand(newIngestCmd(g))
	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newCancelCmd(g))
	cmd.AddCommand(newSearchCmd(g))
	cmd.AddCommand(newDeleteCmd(g))
	cmd.AddCommand(newUpdateCmd(g))
	cmd.AddCommand(newLogsCmd(g))
	cmd.AddCommand(newDoctorCmd(g))
	cmd.AddCommand(newConfigCmd(g))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and prints a failure the way the error
// package formats it for terminals.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, kperrors.FormatForCLI(err))
	}
	return err
}

// setup loads configuration, installs the logger and starts profiling.
func (g *globals) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipConfig] == "true" {
		return nil
	}

	cfg, err := config.Load(g.dir)
	if err != nil {
		return err
	}
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	if g.debug {
		cfg.Logging.Level = "debug"
	}
	g.cfg = cfg

	logCfg := cfg.Logging
	if cmd.Annotations["foreground"] != "true" && !g.debug {
		// One-shot commands keep stderr for their own output.
		logCfg.WriteToStderr = false
		if logCfg.FilePath == "" {
			logCfg.FilePath = logging.LogPath(cfg.DataDir)
		}
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	g.loggingCleanup = cleanup
	slog.SetDefault(logger)

	if g.profiler, err = profiling.Start(g.profile); err != nil {
		return err
	}
	slog.Debug("cli_started", slog.String("command", cmd.CommandPath()), slog.String("data_dir", cfg.DataDir))
	return nil
}

// teardown stops profiling and flushes the log file.
func (g *globals) teardown(_ *cobra.Command, _ []string) error {
	err := g.profiler.Stop()
	g.profiler = nil
	if g.loggingCleanup != nil {
		g.loggingCleanup()
		g.loggingCleanup = nil
	}
	return err
}

func (g *globals) daemonConfig() daemon.Config {
	return daemon.DefaultConfig(g.cfg.SocketPath())
}

// service returns the daemon client when a daemon answers on the
// configured socket, and an in-process App otherwise. inProcess tells the
// caller that background work ends with the returned release func.
func (g *globals) service(ctx context.Context) (svc app.Service, inProcess bool, release func(), err error) {
	if !g.local {
		client := daemon.NewClient(g.daemonConfig())
		if client.IsRunning() {
			slog.Debug("cli_using_daemon", slog.String("socket", g.cfg.SocketPath()))
			return client, false, func() {}, nil
		}
	}

	a, err := app.Open(ctx, g.cfg)
	if err != nil {
		return nil, false, nil, err
	}
	release = func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			slog.Warn("app_close_failed", slog.String("error", err.Error()))
		}
	}
	return a, true, release, nil
}
