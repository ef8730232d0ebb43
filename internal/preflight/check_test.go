package preflight

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/knowpipe/internal/config"
)

// newTestChecker returns a checker whose host probes all pass.
func newTestChecker(t *testing.T, out *bytes.Buffer) *Checker {
	t.Helper()
	cfg := config.NewConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Embeddings.Provider = "static"

	c := New(cfg, WithOutput(out), WithVerbose(true))
	c.freeSpace = func(string) (uint64, error) { return 10 * MinDiskSpaceBytes, nil }
	c.fdLimit = func() (uint64, error) { return 4096, nil }
	return c
}

func TestCheckStatus_String(t *testing.T) {
	assert.Equal(t, "PASS", StatusPass.String())
	assert.Equal(t, "WARN", StatusWarn.String())
	assert.Equal(t, "FAIL", StatusFail.String())
	assert.Equal(t, "UNKNOWN", CheckStatus(42).String())
}

func TestRunAll_HealthyHost(t *testing.T) {
	// Given: a static embedder and generous host limits
	var out bytes.Buffer
	c := newTestChecker(t, &out)

	// When: running every check
	results := c.RunAll(context.Background())

	// Then: all pass and the data directory now exists
	require.Len(t, results, 5)
	for _, r := range results {
		assert.Equal(t, StatusPass, r.Status, "%s: %s", r.Name, r.Message)
	}
	assert.False(t, HasCriticalFailures(results))
	assert.Equal(t, "ready", SummaryStatus(results))
	assert.DirExists(t, c.cfg.DataDir)
	assert.NoFileExists(t, filepath.Join(c.cfg.DataDir, ".knowpipe-preflight"))
	assert.Contains(t, results[4].Message, "static (256 dims)")
}

func TestRunAll_LowLimitsAreCritical(t *testing.T) {
	var out bytes.Buffer
	c := newTestChecker(t, &out)
	c.freeSpace = func(string) (uint64, error) { return MinDiskSpaceBytes - 1, nil }
	c.fdLimit = func() (uint64, error) { return 256, nil }

	results := c.RunAll(context.Background())

	assert.True(t, HasCriticalFailures(results))
	assert.Equal(t, "failed", SummaryStatus(results))
	assert.Equal(t, StatusFail, c.CheckDiskSpace().Status)
	fd := c.CheckFileDescriptors()
	assert.Equal(t, StatusFail, fd.Status)
	assert.Contains(t, fd.Details, "ulimit")
}

func TestCheckDiskSpace_ProbeError(t *testing.T) {
	var out bytes.Buffer
	c := newTestChecker(t, &out)
	c.freeSpace = func(string) (uint64, error) { return 0, errors.New("statfs failed") }

	r := c.CheckDiskSpace()
	assert.True(t, r.IsCritical())
	assert.Contains(t, r.Message, "statfs failed")
}

func TestCheckConfig_Invalid(t *testing.T) {
	var out bytes.Buffer
	c := newTestChecker(t, &out)
	c.cfg.Chunking.Strategy = "shredder"

	r := c.CheckConfig()
	assert.True(t, r.IsCritical())
}

func TestCheckDataDir_NotWritable(t *testing.T) {
	var out bytes.Buffer
	c := newTestChecker(t, &out)
	// A regular file where the directory should be.
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	c.cfg.DataDir = filepath.Join(blocker, "data")

	r := c.CheckDataDir()
	assert.Equal(t, StatusFail, r.Status)
	assert.Contains(t, r.Message, "cannot create")
}

func TestCheckEmbedder(t *testing.T) {
	probeErr := errors.New("connection refused")

	tests := []struct {
		name     string
		provider string
		probe    func(context.Context, *config.Config) (string, error)
		status   CheckStatus
		required bool
	}{
		{"ollama reachable", "ollama", func(context.Context, *config.Config) (string, error) { return "nomic-embed-text (768 dims)", nil }, StatusPass, true},
		{"ollama down is critical", "ollama", func(context.Context, *config.Config) (string, error) { return "", probeErr }, StatusFail, true},
		{"auto fallback warns", "", func(context.Context, *config.Config) (string, error) { return "static", nil }, StatusWarn, false},
		{"auto error warns", "", func(context.Context, *config.Config) (string, error) { return "", probeErr }, StatusWarn, false},
		{"unknown provider", "openai", nil, StatusFail, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			c := newTestChecker(t, &out)
			c.cfg.Embeddings.Provider = tt.provider
			c.embedder = tt.probe

			r := c.CheckEmbedder(context.Background())
			assert.Equal(t, tt.status, r.Status, r.Message)
			assert.Equal(t, tt.required, r.Required)
		})
	}
}

func TestPrintResults(t *testing.T) {
	// Given: one pass, one warning and one critical failure
	var out bytes.Buffer
	c := newTestChecker(t, &out)
	results := []CheckResult{
		{Name: "config", Status: StatusPass, Message: "OK", Required: true},
		{Name: "embedder", Status: StatusWarn, Message: "ollama unreachable", Details: "fallback"},
		{Name: "disk_space", Status: StatusFail, Message: "1 MiB free", Required: true},
	}

	// When: printing
	c.PrintResults(results)

	// Then: each check has a line, details are shown in verbose mode
	text := out.String()
	assert.Contains(t, text, "config: OK")
	assert.Contains(t, text, "embedder: ollama unreachable")
	assert.Contains(t, text, "   fallback")
	assert.Contains(t, text, "disk_space: 1 MiB free")
	assert.Contains(t, text, "Status: FAILED")
}

func TestCheckResult_JSONStatusByName(t *testing.T) {
	data, err := json.Marshal(CheckResult{Name: "config", Status: StatusWarn})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"warn"`)
}

func TestMarker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	assert.True(t, NeedsCheck(dir))
	require.NoError(t, MarkPassed(dir))
	assert.False(t, NeedsCheck(dir))
	require.NoError(t, ClearMarker(dir))
	assert.True(t, NeedsCheck(dir))
	assert.NoError(t, ClearMarker(dir))
}
