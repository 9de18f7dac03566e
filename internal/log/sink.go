// SPDX-License-Identifier: MIT

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingSink is a size-bounded append-only log file. When the file would
// exceed MaxBytes the current file is rotated to <path>.1, shifting older
// backups up to BackupCount before the oldest is dropped.
type RotatingSink struct {
	path        string
	maxBytes    int64
	backupCount int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingSink opens (or creates) the log file at path.
func NewRotatingSink(path string, maxBytes int64, backupCount int) (*RotatingSink, error) {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	if backupCount < 0 {
		backupCount = 0
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	s := &RotatingSink{path: path, maxBytes: maxBytes, backupCount: backupCount}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RotatingSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G302
	if err != nil {
		return fmt.Errorf("open log file %s: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file %s: %w", s.path, err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// Write appends p, rotating first if the write would exceed the size bound.
func (s *RotatingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size+int64(len(p)) > s.maxBytes && s.size > 0 {
		if err := s.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := s.file.Write(p)
	s.size += int64(n)
	return n, err
}

func (s *RotatingSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close log file for rotation: %w", err)
	}
	if s.backupCount > 0 {
		// Shift existing backups: .N-1 -> .N, ..., base -> .1
		oldest := fmt.Sprintf("%s.%d", s.path, s.backupCount)
		_ = os.Remove(oldest)
		for i := s.backupCount - 1; i >= 1; i-- {
			src := fmt.Sprintf("%s.%d", s.path, i)
			dst := fmt.Sprintf("%s.%d", s.path, i+1)
			_ = os.Rename(src, dst)
		}
		_ = os.Rename(s.path, s.path+".1")
	} else {
		_ = os.Remove(s.path)
	}
	return s.open()
}

// Close closes the underlying file.
func (s *RotatingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
