// SPDX-License-Identifier: MIT

//go:build !unix

package fsutil

func freeDiskBytes(string) (uint64, error) {
	return 0, nil
}
