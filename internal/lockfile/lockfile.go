// SPDX-License-Identifier: MIT

// Package lockfile implements the single-instance PID lock.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/tsommer/dndscene/internal/log"
)

// ErrAlreadyRunning is returned when the lock file references a live process.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock is a held single-instance lock.
type Lock struct {
	path string
}

// Acquire writes the current pid to path. A lock file referencing a live
// process fails with ErrAlreadyRunning; a stale or unreadable lock file is
// removed and replaced.
func Acquire(path string) (*Lock, error) {
	if pid, ok := readPID(path); ok {
		if processAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrAlreadyRunning, pid, path)
		}
		logger := log.WithComponent("lockfile")
		logger.Warn().
			Int("stale_pid", pid).
			Str("path", path).
			Msg("removing stale lock file")
		_ = os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o640); err != nil { // #nosec G306
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil || l.path == "" {
		return
	}
	_ = os.Remove(l.path)
	l.path = ""
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		// Corrupt lock file: treat as stale.
		_ = os.Remove(path)
		return 0, false
	}
	return pid, true
}

// processAlive probes pid existence with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
