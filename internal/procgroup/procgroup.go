// SPDX-License-Identifier: MIT

// Package procgroup starts subprocesses in their own process group and
// terminates the whole group on shutdown.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

var (
	// ErrKillFailed is returned when the group did not exit within the
	// SIGKILL timeout.
	ErrKillFailed = errors.New("kill operation failed")
)

// Set configures the command to start in a new process group. Required for
// KillGroup to reap the whole tree.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates an entire process group: SIGTERM, wait up to grace,
// then SIGKILL with a final timeout. The process must have been spawned with
// Set. done is closed by the caller once the process has been reaped; the
// caller keeps ownership of Wait so the two never race.
func KillGroup(pid int, done <-chan struct{}, grace, timeout time.Duration) error {
	return killGroup(pid, done, grace, timeout)
}
