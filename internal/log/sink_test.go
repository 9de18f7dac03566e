// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRotatingSinkRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runner.log")

	sink, err := NewRotatingSink(path, 64, 2)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	line := bytes.Repeat([]byte("x"), 40)
	for i := 0; i < 4; i++ {
		_, err := sink.Write(append(line, '\n'))
		require.NoError(t, err)
	}

	// Base file plus at least one rotated backup must exist.
	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".1")
	require.NoError(t, err)

	// No backup beyond the configured count.
	_, err = os.Stat(path + ".3")
	require.True(t, os.IsNotExist(err))
}

func TestRotatingSinkAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runner.log")

	sink, err := NewRotatingSink(path, 1<<20, 1)
	require.NoError(t, err)
	_, err = sink.Write([]byte("first\n"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	sink2, err := NewRotatingSink(path, 1<<20, 1)
	require.NoError(t, err)
	_, err = sink2.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, sink2.Close())

	data, err := os.ReadFile(path) // #nosec G304
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\n", string(data))
}
