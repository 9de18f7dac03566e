// SPDX-License-Identifier: MIT

// Package reconcile periodically diffs the transcript directory against the
// tracking store and drives scene processing for everything new or changed.
// The filesystem is the source of truth; watcher hints only shorten the wait
// until the next pass.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tsommer/dndscene/internal/fsutil"
	"github.com/tsommer/dndscene/internal/log"
	"github.com/tsommer/dndscene/internal/metrics"
	"github.com/tsommer/dndscene/internal/scene"
	"github.com/tsommer/dndscene/internal/tracking"
	"github.com/tsommer/dndscene/internal/transcript"
)

const (
	// slowPassThreshold flips the next sleep to slowInterval so a loaded
	// disk does not get hammered every three seconds.
	slowPassThreshold = time.Second
	slowInterval      = 5 * time.Second

	// errorThreshold is how many consecutive failed passes trigger the
	// diagnostics dump and backoff.
	errorThreshold = 5
	maxBackoff     = 30 * time.Second

	// heartbeatEvery is the pass cadence of the stable-sync heartbeat.
	heartbeatEvery = 20
)

// Processor runs the scene state machine for one transcript.
type Processor interface {
	Process(ctx context.Context, transcriptPath string) (scene.Outcome, error)
}

// Reconciler owns the scan/diff/dispatch loop.
type Reconciler struct {
	TranscriptDir string
	SceneDir      string
	Interval      time.Duration

	store *tracking.Store
	proc  Processor
	hints <-chan string

	// limiter spreads job starts out so a backlog after restart does not
	// stampede the LLM host.
	limiter *rate.Limiter

	logger zerolog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex // per-filename processing locks
	pending map[string]bool        // filenames with a queued (not yet running) job

	jobs sync.WaitGroup

	passes            int
	consecutiveErrors int
}

// New builds a reconciler. hints may be nil when no watcher is wired.
func New(transcriptDir, sceneDir string, interval time.Duration, store *tracking.Store, proc Processor, hints <-chan string) *Reconciler {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Reconciler{
		TranscriptDir: transcriptDir,
		SceneDir:      sceneDir,
		Interval:      interval,
		store:         store,
		proc:          proc,
		hints:         hints,
		limiter:       rate.NewLimiter(rate.Every(time.Second), 3),
		logger:        log.WithComponent("reconcile"),
		locks:         make(map[string]*sync.Mutex),
		pending:       make(map[string]bool),
	}
}

// Run loops until the context ends, then waits for in-flight jobs.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info().
		Str("dir", r.TranscriptDir).
		Dur("interval", r.Interval).
		Msg("reconciler started")

	for {
		start := time.Now()
		err := r.Pass(ctx)
		elapsed := time.Since(start)
		metrics.ObserveReconcilePass(elapsed.Seconds())

		sleep := r.Interval
		switch {
		case err != nil:
			r.consecutiveErrors++
			metrics.IncReconcileError()
			r.logger.Error().Err(err).Int("consecutive", r.consecutiveErrors).Msg("reconcile pass failed")
			if r.consecutiveErrors >= errorThreshold {
				r.dumpDiagnostics()
				sleep = r.backoff()
			}
		case elapsed > slowPassThreshold:
			r.consecutiveErrors = 0
			r.logger.Warn().Dur("elapsed", elapsed).Msg("slow reconcile pass, easing off")
			sleep = slowInterval
		default:
			r.consecutiveErrors = 0
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopping, draining jobs")
			r.jobs.Wait()
			return ctx.Err()
		case name := <-r.hintsChan():
			r.logger.Debug().Str("file", name).Msg("watcher hint, reconciling early")
		case <-time.After(sleep):
		}
	}
}

func (r *Reconciler) hintsChan() <-chan string {
	if r.hints == nil {
		return nil
	}
	return r.hints
}

// backoff grows with the error streak and caps at maxBackoff.
func (r *Reconciler) backoff() time.Duration {
	d := slowInterval << (r.consecutiveErrors - errorThreshold)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// dumpDiagnostics logs the environment facts that usually explain a stuck
// sync loop.
func (r *Reconciler) dumpDiagnostics() {
	free, ferr := fsutil.FreeDiskBytes(r.TranscriptDir)
	snap := r.store.Snapshot()

	ev := r.logger.Error().
		Int("consecutive_errors", r.consecutiveErrors).
		Int("goroutines", runtime.NumGoroutine()).
		Int("tracked_transcripts", len(snap.Transcripts)).
		Int("sync_count", snap.SyncCount)
	if ferr == nil {
		ev = ev.Uint64("free_disk_bytes", free)
	}
	ev.Msg("reconciler diagnostics")
}

// scanned is one transcript file currently on disk.
type scanned struct {
	name string
	size int64
	mod  time.Time
	hash string
}

// Pass performs one scan/diff/dispatch round. Exported so the runner can
// force a synchronous pass at startup.
func (r *Reconciler) Pass(ctx context.Context) error {
	files, err := r.scan()
	if err != nil {
		return err
	}

	snap := r.store.Snapshot()
	now := time.Now()
	diff := tracking.Diff{SeenAt: now}
	var enqueue []string

	for _, f := range files {
		rec, tracked := snap.Transcripts[f.name]
		switch {
		case !tracked:
			status := tracking.StatusNew
			details := ""
			sceneName := transcript.SceneName(f.name)
			if scene.Complete(r.SceneDir, sceneName) {
				// Outputs already exist, nothing to do.
				status = tracking.StatusCompleted
				details = "outputs present at discovery"
			} else {
				enqueue = append(enqueue, f.name)
			}
			metrics.IncTranscriptDetected("new")
			r.logger.Info().Str("file", f.name).Str("status", string(status)).Msg("transcript discovered")
			diff.Upserts = append(diff.Upserts, tracking.Record{
				Filename:   f.name,
				Size:       f.size,
				Modified:   f.mod,
				Hash:       f.hash,
				Status:     status,
				LastSeen:   now,
				DetectedAt: now,
				Details:    details,
			})
		case rec.Hash != f.hash:
			metrics.IncTranscriptDetected("modified")
			r.logger.Info().Str("file", f.name).Str("previous", string(rec.Status)).Msg("transcript content changed")
			diff.Upserts = append(diff.Upserts, tracking.Record{
				Filename:       f.name,
				Size:           f.size,
				Modified:       f.mod,
				Hash:           f.hash,
				Status:         tracking.StatusModified,
				LastSeen:       now,
				DetectedAt:     rec.DetectedAt,
				ModifiedAt:     now,
				PreviousStatus: rec.Status,
			})
			enqueue = append(enqueue, f.name)
		default:
			diff.Seen = append(diff.Seen, f.name)
			// Stuck records (e.g. after a crash mid-processing) get
			// another chance.
			if rec.Status == tracking.StatusNew || rec.Status == tracking.StatusModified || rec.Status == tracking.StatusDetected {
				enqueue = append(enqueue, f.name)
			}
		}
	}

	onDisk := make(map[string]bool, len(files))
	for _, f := range files {
		onDisk[f.name] = true
	}
	for name := range snap.Transcripts {
		if !onDisk[name] {
			metrics.IncTranscriptDetected("removed")
			r.logger.Warn().Str("file", name).Msg("transcript vanished, dropping from tracking")
			diff.Removes = append(diff.Removes, name)
		}
	}

	if err := r.store.Apply(diff); err != nil {
		return fmt.Errorf("apply tracking diff: %w", err)
	}

	r.publishGauges()
	metrics.IncReconcilePass()
	r.passes++
	if r.passes%heartbeatEvery == 0 {
		snap := r.store.Snapshot()
		r.logger.Info().
			Int("sync_count", snap.SyncCount).
			Int("tracked", len(snap.Transcripts)).
			Msg("sync stable")
	}

	for _, name := range enqueue {
		r.dispatch(ctx, name)
	}
	return nil
}

func (r *Reconciler) publishGauges() {
	counts := r.store.Snapshot().StatusBreakdown()
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	metrics.RecordTrackedTranscripts(byStatus)
}

// scan lists the transcript files on disk. Content hashes are reused from
// tracking when size and mtime are unchanged, so idle passes stay cheap.
func (r *Reconciler) scan() ([]scanned, error) {
	entries, err := os.ReadDir(r.TranscriptDir)
	if err != nil {
		return nil, fmt.Errorf("read transcript dir: %w", err)
	}

	snap := r.store.Snapshot()
	var files []scanned
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, transcript.Suffix) || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // raced with a delete
		}

		f := scanned{name: name, size: info.Size(), mod: info.ModTime()}
		if rec, ok := snap.Transcripts[name]; ok && rec.Size == f.size && rec.Modified.Equal(f.mod) {
			f.hash = rec.Hash
		} else {
			h, err := tracking.HashFile(filepath.Join(r.TranscriptDir, name))
			if err != nil {
				r.logger.Warn().Err(err).Str("file", name).Msg("hashing failed, skipping this pass")
				continue
			}
			f.hash = h
		}
		files = append(files, f)
	}
	return files, nil
}

// dispatch queues one processing job for the file. At most one job per file
// waits behind the running one; the file content is read at processing time,
// so the queued job always sees the latest bytes.
func (r *Reconciler) dispatch(ctx context.Context, filename string) {
	r.mu.Lock()
	if r.pending[filename] {
		r.mu.Unlock()
		return
	}
	r.pending[filename] = true
	lock, ok := r.locks[filename]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[filename] = lock
	}
	r.mu.Unlock()

	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()

		lock.Lock()
		defer lock.Unlock()

		r.mu.Lock()
		delete(r.pending, filename)
		r.mu.Unlock()

		if err := r.limiter.Wait(ctx); err != nil {
			return
		}

		path := filepath.Join(r.TranscriptDir, filename)
		hash, err := tracking.HashFile(path)
		if err != nil {
			r.logger.Debug().Str("file", filename).Msg("file gone before processing")
			return
		}

		// A job queued behind a long render may find its work already
		// done by the time the lock frees up.
		if rec, ok := r.store.Snapshot().Transcripts[filename]; ok {
			terminal := rec.Status == tracking.StatusCompleted || rec.Status == tracking.StatusFailed
			if terminal && rec.Hash == hash {
				return
			}
		}

		jobID := uuid.NewString()
		sceneName := transcript.SceneName(filename)
		jctx := log.ContextWithJobID(log.ContextWithSceneID(ctx, sceneName), jobID)
		logger := log.WithContext(jctx, r.logger)

		outcome, err := r.proc.Process(jctx, path)
		if err != nil {
			logger.Error().Err(err).Msg("scene processing reported artifact errors")
		}
		if outcome.Status == "" {
			// Interrupted before a verdict; the record keeps its queued
			// status and the next pass picks it up again.
			logger.Info().Msg("processing interrupted, leaving record for the next pass")
			return
		}
		applied, err := r.store.UpdateStatusIfUnchanged(filename, hash, outcome.Status, outcome.Details)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("transcript disappeared before status update")
		case !applied:
			logger.Info().Msg("content changed during processing, leaving record for the next pass")
		}
		r.publishGauges()
	}()
}
