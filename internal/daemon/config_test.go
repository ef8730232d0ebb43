package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PIDNextToSocket(t *testing.T) {
	cfg := DefaultConfig("/var/run/knowpipe/knowpipe.sock")

	assert.Equal(t, "/var/run/knowpipe/knowpipe.pid", cfg.PIDPath)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig("/tmp/knowpipe.sock")

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty socket", func(c *Config) { c.SocketPath = "" }, "socket path"},
		{"empty pid", func(c *Config) { c.PIDPath = "" }, "PID path"},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
		{"negative grace", func(c *Config) { c.ShutdownGracePeriod = -time.Second }, "grace period"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnsureDir(t *testing.T) {
	root := t.TempDir()
	cfg := Config{
		SocketPath: filepath.Join(root, "sock", "knowpipe.sock"),
		PIDPath:    filepath.Join(root, "pid", "knowpipe.pid"),
	}

	require.NoError(t, cfg.EnsureDir())

	for _, dir := range []string{"sock", "pid"} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
