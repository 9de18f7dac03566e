// SPDX-License-Identifier: MIT

//go:build unix

package fsutil

import "golang.org/x/sys/unix"

func freeDiskBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil //nolint:unconvert // Bsize is int64 on some platforms
}
