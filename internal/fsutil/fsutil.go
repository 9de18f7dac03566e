// SPDX-License-Identifier: MIT

// Package fsutil contains small filesystem helpers shared across the daemon.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureWritableDir creates dir (and parents) if needed and verifies it is
// writable with a probe file. Startup fails on unwritable directories, so the
// probe runs before any worker starts.
func EnsureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("remove write probe in %s: %w", dir, err)
	}
	return nil
}

// FreeDiskBytes reports the free bytes of the filesystem containing path.
// A zero value with a non-nil error means the probe itself failed.
func FreeDiskBytes(path string) (uint64, error) {
	return freeDiskBytes(path)
}
