// SPDX-License-Identifier: MIT

package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnd_runner.lock")

	lock, err := Acquire(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path) // #nosec G304
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	lock.Release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Double release must not panic.
	lock.Release()
}

func TestAcquireRejectsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnd_runner.lock")
	// Our own pid is certainly alive.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600))

	_, err := Acquire(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquireReplacesStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnd_runner.lock")
	// Large pid that almost certainly does not exist.
	require.NoError(t, os.WriteFile(path, []byte("4194303"), 0o600))

	lock, err := Acquire(path)
	require.NoError(t, err)
	lock.Release()
}

func TestAcquireReplacesCorruptLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnd_runner.lock")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o600))

	lock, err := Acquire(path)
	require.NoError(t, err)
	lock.Release()
}
