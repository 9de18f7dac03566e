// SPDX-License-Identifier: MIT

// Package tracking owns the durable per-scene bookkeeping file
// (transkript_tracking.json). The reconciler is the sole writer; everything
// else reads snapshots.
package tracking

import (
	"crypto/md5" // #nosec G501 -- content fingerprint, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/tsommer/dndscene/internal/log"
)

// Status is the processing state of a tracked transcript.
type Status string

const (
	StatusNew       Status = "new"
	StatusDetected  Status = "detected"
	StatusModified  Status = "modified"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// FileName is the tracking file's basename inside the watched directory.
const FileName = "transkript_tracking.json"

// Record is the durable bookkeeping entry for one transcript file.
type Record struct {
	Filename       string    `json:"filename"`
	Size           int64     `json:"size"`
	Modified       time.Time `json:"modified"`
	Hash           string    `json:"hash"`
	Status         Status    `json:"status"`
	LastSeen       time.Time `json:"last_seen"`
	DetectedAt     time.Time `json:"detected_at,omitzero"`
	ModifiedAt     time.Time `json:"modified_at,omitzero"`
	PreviousStatus Status    `json:"previous_status,omitempty"`
	Details        string    `json:"details,omitempty"`
}

// State is the full tracking file content.
type State struct {
	LastUpdated time.Time         `json:"last_updated"`
	Status      string            `json:"status"` // "initialized" or "active"
	SyncCount   int               `json:"sync_count"`
	Transcripts map[string]Record `json:"transcripts"`
}

// Diff is one batch of mutations applied and persisted atomically.
type Diff struct {
	Upserts []Record  // records inserted or replaced
	Removes []string  // filenames dropped from tracking
	Seen    []string  // filenames whose last_seen advances, nothing else
	SeenAt  time.Time // timestamp used for Seen updates (defaults to now)
}

// Empty reports whether applying the diff would change any record.
func (d Diff) Empty() bool {
	return len(d.Upserts) == 0 && len(d.Removes) == 0
}

// Store is the durable tracking state with atomic persistence.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// NewStore creates a store backed by the given file path. Call Load before
// first use.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the tracking file. A missing file initialises fresh state and
// persists it; a corrupt file is renamed aside with an .error_backup suffix
// and then reinitialised so one bad write never wedges the pipeline.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path) // #nosec G304
	switch {
	case err == nil:
		var state State
		if jsonErr := json.Unmarshal(data, &state); jsonErr != nil {
			backup := s.path + ".error_backup"
			logger := log.WithComponent("tracking")
			logger.Error().
				Err(jsonErr).
				Str("backup", backup).
				Msg("tracking file corrupt, backing up and reinitialising")
			if renameErr := os.Rename(s.path, backup); renameErr != nil {
				return fmt.Errorf("back up corrupt tracking file: %w", renameErr)
			}
			return s.initLocked()
		}
		if state.Transcripts == nil {
			state.Transcripts = make(map[string]Record)
		}
		s.state = state
		return nil
	case os.IsNotExist(err):
		return s.initLocked()
	default:
		return fmt.Errorf("read tracking file %s: %w", s.path, err)
	}
}

func (s *Store) initLocked() error {
	s.state = State{
		LastUpdated: time.Now(),
		Status:      "initialized",
		Transcripts: make(map[string]Record),
	}
	return s.persistLocked()
}

// Snapshot returns a deep copy of the current state; callers may read it
// without blocking the writer.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.state
	cp.Transcripts = make(map[string]Record, len(s.state.Transcripts))
	for k, v := range s.state.Transcripts {
		cp.Transcripts[k] = v
	}
	return cp
}

// Apply mutates the state and persists it atomically. The sync counter only
// advances when the diff mutates records, so idle reconcile passes do not
// rewrite the file.
func (s *Store) Apply(diff Diff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seenAt := diff.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	for _, name := range diff.Seen {
		if rec, ok := s.state.Transcripts[name]; ok {
			rec.LastSeen = seenAt
			s.state.Transcripts[name] = rec
		}
	}

	if diff.Empty() {
		// last_seen-only updates are persisted without bumping sync_count
		return s.persistLocked()
	}

	for _, rec := range diff.Upserts {
		s.state.Transcripts[rec.Filename] = rec
	}
	for _, name := range diff.Removes {
		delete(s.state.Transcripts, name)
	}

	s.state.LastUpdated = time.Now()
	s.state.Status = "active"
	s.state.SyncCount++
	return s.persistLocked()
}

// UpdateStatus records a terminal state transition for a single scene file.
func (s *Store) UpdateStatus(filename string, status Status, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.state.Transcripts[filename]
	if !ok {
		return fmt.Errorf("tracking: unknown transcript %q", filename)
	}
	rec.PreviousStatus = rec.Status
	rec.Status = status
	rec.Details = details
	rec.LastSeen = time.Now()
	s.state.Transcripts[filename] = rec

	s.state.LastUpdated = time.Now()
	s.state.Status = "active"
	return s.persistLocked()
}

// UpdateStatusIfUnchanged applies a status transition only when the record
// still holds the given content hash. A mismatch means the transcript was
// rewritten while the scene was being processed; the record keeps its
// "modified" state so the next reconcile pass runs the new content.
func (s *Store) UpdateStatusIfUnchanged(filename, hash string, status Status, details string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.state.Transcripts[filename]
	if !ok {
		return false, fmt.Errorf("tracking: unknown transcript %q", filename)
	}
	if rec.Hash != hash {
		return false, nil
	}
	rec.PreviousStatus = rec.Status
	rec.Status = status
	rec.Details = details
	rec.LastSeen = time.Now()
	s.state.Transcripts[filename] = rec

	s.state.LastUpdated = time.Now()
	s.state.Status = "active"
	return true, s.persistLocked()
}

// persistLocked serialises the state and replaces the tracking file
// atomically (temp file in the same directory, fsync, rename).
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tracking state: %w", err)
	}
	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		return fmt.Errorf("create pending tracking file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write tracking state: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace tracking file: %w", err)
	}
	return nil
}

// StatusBreakdown counts tracked records per status.
func (st State) StatusBreakdown() map[Status]int {
	counts := make(map[Status]int)
	for _, rec := range st.Transcripts {
		counts[rec.Status]++
	}
	return counts
}

// HashFile computes the 128-bit content digest used for change detection.
func HashFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := md5.New() // #nosec G401
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
