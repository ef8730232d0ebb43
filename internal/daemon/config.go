// Package daemon serves the knowpipe operations as JSON-RPC 2.0 over a
// Unix socket, so CLI calls reuse one loaded pipeline instead of opening
// the store and the embedder on every invocation.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Defaults
const (
	DefaultTimeout             = 30 * time.Second
	DefaultShutdownGracePeriod = 10 * time.Second
)

// Config holds configuration for the daemon service.
type Config struct {
	// SocketPath is the Unix domain socket path for IPC.
	SocketPath string

	// PIDPath is the file path for storing the daemon's process ID.
	// Default: the socket path with a .pid extension.
	PIDPath string

	// Timeout bounds one request, on both sides of the socket.
	Timeout time.Duration

	// ShutdownGracePeriod is how long running ingest jobs may finish
	// after a stop signal before they are cancelled.
	ShutdownGracePeriod time.Duration
}

// DefaultConfig returns a Config for the given socket path.
func DefaultConfig(socketPath string) Config {
	return Config{
		SocketPath:          socketPath,
		PIDPath:             strings.TrimSuffix(socketPath, filepath.Ext(socketPath)) + ".pid",
		Timeout:             DefaultTimeout,
		ShutdownGracePeriod: DefaultShutdownGracePeriod,
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket path cannot be empty")
	}
	if c.PIDPath == "" {
		return fmt.Errorf("PID path cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown grace period must be positive")
	}
	return nil
}

// EnsureDir creates the directories for the socket and PID files.
func (c Config) EnsureDir() error {
	socketDir := filepath.Dir(c.SocketPath)
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if pidDir := filepath.Dir(c.PIDPath); pidDir != socketDir {
		if err := os.MkdirAll(pidDir, 0o755); err != nil {
			return fmt.Errorf("failed to create PID directory: %w", err)
		}
	}
	return nil
}
