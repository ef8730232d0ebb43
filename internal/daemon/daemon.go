package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"

	"github.com/Aman-CERP/knowpipe/internal/app"
	"github.com/Aman-CERP/knowpipe/internal/ingest"
)

// Daemon ties the socket server to a PID file.
type Daemon struct {
	cfg    Config
	pid    *PIDFile
	server *Server
}

// NewDaemon validates cfg and prepares a server for svc.
func NewDaemon(cfg Config, svc app.Service, defaults ingest.Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid daemon config: %w", err)
	}
	srv, err := NewServer(cfg, svc, defaults)
	if err != nil {
		return nil, err
	}
	return &Daemon{cfg: cfg, pid: NewPIDFile(cfg.PIDPath), server: srv}, nil
}

// Start writes the PID file and serves until ctx is cancelled. The PID
// file and the socket are removed on return.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}
	if err := d.pid.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := d.pid.Remove(); err != nil {
			slog.Warn("pidfile_remove_failed", slog.String("error", err.Error()))
		}
	}()

	slog.Info("daemon_started", slog.String("socket", d.cfg.SocketPath), slog.String("pid_file", d.cfg.PIDPath))
	err := d.server.ListenAndServe(ctx)
	slog.Info("daemon_stopped")
	return err
}

// Stop asks the daemon recorded in cfg.PIDPath to shut down.
func Stop(cfg Config) error {
	pf := NewPIDFile(cfg.PIDPath)
	if !pf.IsRunning() {
		return fmt.Errorf("daemon is not running")
	}
	return pf.Signal(syscall.SIGTERM)
}
