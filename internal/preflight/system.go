package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/Aman-CERP/knowpipe/internal/profiling"
)

const (
	// MinDiskSpaceBytes is the free space required under the data directory.
	MinDiskSpaceBytes = 100 * 1024 * 1024

	// MinFileDescriptors covers the SQLite handles, the daemon socket
	// clients and one fsnotify watch per directory under --watch.
	MinFileDescriptors = 1024
)

// CheckDiskSpace checks free space on the data directory's filesystem.
func (c *Checker) CheckDiskSpace() CheckResult {
	result := CheckResult{Name: "disk_space", Required: true}

	available, err := c.freeSpace(existingParent(c.cfg.DataDir))
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check disk space: %v", err)
		return result
	}
	result.Message = fmt.Sprintf("%s free (minimum: %s)",
		profiling.FormatBytes(available), profiling.FormatBytes(MinDiskSpaceBytes))
	if available < MinDiskSpaceBytes {
		result.Status = StatusFail
		return result
	}
	result.Status = StatusPass
	return result
}

// CheckFileDescriptors checks the soft open-file limit.
func (c *Checker) CheckFileDescriptors() CheckResult {
	result := CheckResult{Name: "file_descriptors", Required: true}

	limit, err := c.fdLimit()
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check file descriptor limit: %v", err)
		return result
	}
	result.Message = fmt.Sprintf("%d (minimum: %d)", limit, MinFileDescriptors)
	if limit < MinFileDescriptors {
		result.Status = StatusFail
		result.Details = "run 'ulimit -n 10240' to raise the limit"
		return result
	}
	result.Status = StatusPass
	return result
}

func statfsAvailable(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

func openFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}
	return rLimit.Cur, nil
}

// existingParent returns path or its nearest existing ancestor, so free
// space can be measured before the data directory is created.
func existingParent(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
