package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/knowpipe/internal/app"
	"github.com/Aman-CERP/knowpipe/internal/daemon"
	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
	"github.com/Aman-CERP/knowpipe/internal/output"
	"github.com/Aman-CERP/knowpipe/internal/preflight"
	"github.com/Aman-CERP/knowpipe/internal/watcher"
)

func newServeCmd(g *globals) *cobra.Command {
	var (
		watchDir   string
		background bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline daemon",
		Long: `Run the knowpipe daemon on the configured Unix socket.

The daemon keeps the store, the embedding gateway and the ingest workers
loaded so CLI calls and MCP sessions share one pipeline. With --watch it
ingests every supported file under a directory, then keeps the store in
sync as files are created, changed or removed.

Examples:
  knowpipe serve                 # foreground, Ctrl+C to stop
  knowpipe serve --watch ./docs  # also follow a directory
  knowpipe serve -b              # detach into the background`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"foreground": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if background {
				return runServeBackground(cmd, g, watchDir)
			}
			return runServe(cmd.Context(), cmd, g, watchDir)
		},
	}

	cmd.Flags().StringVarP(&watchDir, "watch", "w", "", "Ingest and follow the files under this directory")
	cmd.Flags().BoolVarP(&background, "background", "b", false, "Detach and run in the background")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, g *globals, watchDir string) error {
	out := output.New(cmd.OutOrStdout())
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dcfg := g.daemonConfig()
	if daemon.NewClient(dcfg).IsRunning() {
		out.Status("", "Daemon is already running")
		return nil
	}

	if err := firstStartChecks(ctx, cmd, g); err != nil {
		return err
	}

	a, err := app.Open(ctx, g.cfg)
	if err != nil {
		return err
	}
	defaults := app.IngestDefaults(g.cfg)

	d, err := daemon.NewDaemon(dcfg, a, defaults)
	if err != nil {
		closeApp(a, dcfg.ShutdownGracePeriod)
		return err
	}

	if watchDir != "" {
		n, err := startWatch(ctx, g, a, watchDir, defaults, out)
		if err != nil {
			closeApp(a, dcfg.ShutdownGracePeriod)
			return err
		}
		out.Statusf("", "Watching %s (%d files queued)", watchDir, n)
	}

	out.Statusf("", "Socket: %s", dcfg.SocketPath)
	out.Statusf("", "Data:   %s", g.cfg.DataDir)
	out.Status("", "Press Ctrl+C to stop")

	err = d.Start(ctx)
	closeApp(a, dcfg.ShutdownGracePeriod)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// firstStartChecks runs the preflight checks once per data directory and
// refuses to start on a critical failure.
func firstStartChecks(ctx context.Context, cmd *cobra.Command, g *globals) error {
	if !preflight.NeedsCheck(g.cfg.DataDir) {
		return nil
	}
	checker := preflight.New(g.cfg, preflight.WithOutput(cmd.ErrOrStderr()))
	results := checker.RunAll(ctx)
	if preflight.HasCriticalFailures(results) {
		checker.PrintResults(results)
		return kperrors.New(kperrors.ErrCodeConfigInvalid, "preflight checks failed", nil).
			WithSuggestion("run 'knowpipe doctor -v' for details")
	}
	for _, r := range results {
		if r.Status != preflight.StatusPass {
			slog.Warn("preflight_warning", slog.String("check", r.Name), slog.String("message", r.Message))
		}
	}
	return preflight.MarkPassed(g.cfg.DataDir)
}

// closeApp lets running jobs finish for grace before cancelling them.
func closeApp(a *app.App, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		slog.Warn("app_close_failed", slog.String("error", err.Error()))
	}
}

// startWatch queues the files already under dir and follows changes
// until ctx ends. It returns how many files the initial scan queued.
func startWatch(ctx context.Context, g *globals, a *app.App, dir string, defaults ingest.Options, out *output.Writer) (int, error) {
	ignore, err := filepath.Abs(g.cfg.DataDir)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	w, err := watcher.New(watcher.Options{
		DebounceWindow: g.cfg.Watch.Debounce,
		Extensions:     g.cfg.Watch.Extensions,
		IgnoreDirs:     []string{ignore},
	})
	if err != nil {
		return 0, err
	}

	syncer, err := watcher.NewSyncer(a, dir, defaults,
		watcher.WithExtensions(g.cfg.Watch.Extensions),
		watcher.WithNotify(func(ev watcher.FileEvent, jobID string, err error) {
			switch {
			case err != nil:
				out.Errorf("%s %s: %v", ev.Operation, ev.Path, err)
			case jobID != "":
				out.Statusf("", "%s %s -> job %s", ev.Operation, ev.Path, jobID)
			default:
				out.Statusf("", "%s %s", ev.Operation, ev.Path)
			}
		}))
	if err != nil {
		_ = w.Stop()
		return 0, err
	}

	n, err := syncer.Scan(ctx)
	if err != nil {
		_ = w.Stop()
		return n, err
	}

	go func() {
		if err := w.Start(ctx, dir); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("watch_failed", slog.String("root", dir), slog.String("error", err.Error()))
		}
	}()
	go syncer.Run(ctx, w.Events())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				slog.Warn("watch_error", slog.String("error", err.Error()))
			}
		}
	}()
	return n, nil
}

// runServeBackground re-executes the binary in its own session and waits
// for the socket to answer.
func runServeBackground(cmd *cobra.Command, g *globals, watchDir string) error {
	out := output.New(cmd.OutOrStdout())
	client := daemon.NewClient(g.daemonConfig())
	if client.IsRunning() {
		out.Status("", "Daemon is already running")
		return nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	args := []string{"serve", "--dir", g.dir, "--data-dir", g.cfg.DataDir}
	if watchDir != "" {
		abs, err := filepath.Abs(watchDir)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", watchDir, err)
		}
		args = append(args, "--watch", abs)
	}
	if g.debug {
		args = append(args, "--debug")
	}

	bg := exec.Command(execPath, args...)
	bg.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := bg.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Reap the child and notice an early exit.
	done := make(chan error, 1)
	go func() { done <- bg.Wait() }()

	for i := 0; i < 50; i++ {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("daemon process exited unexpectedly: %w", err)
			}
			return fmt.Errorf("daemon process exited unexpectedly with code 0")
		default:
		}
		time.Sleep(100 * time.Millisecond)
		if client.IsRunning() {
			out.Successf("Daemon started (pid: %d)", bg.Process.Pid)
			return nil
		}
	}
	return fmt.Errorf("daemon failed to start within timeout")
}

func newStopCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Long: `Stop the daemon recorded in the PID file next to the socket.

Running ingest jobs get the shutdown grace period to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(cmd, g)
		},
	}
}

func runStop(cmd *cobra.Command, g *globals) error {
	out := output.New(cmd.OutOrStdout())
	dcfg := g.daemonConfig()
	pid := daemon.NewPIDFile(dcfg.PIDPath)
	if !pid.IsRunning() {
		out.Status("", "Daemon is not running")
		return nil
	}
	if err := daemon.Stop(dcfg); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	wait := dcfg.ShutdownGracePeriod + 5*time.Second
	for deadline := time.Now().Add(wait); time.Now().Before(deadline); {
		if !pid.IsRunning() {
			out.Success("Daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop within %s", wait)
}
