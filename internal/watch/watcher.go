// SPDX-License-Identifier: MIT

// Package watch surfaces filesystem hints for new or changed transcripts.
// Hints only accelerate the reconciler's next pass; the periodic scan remains
// the source of truth, so a missed event is never fatal.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tsommer/dndscene/internal/log"
	"github.com/tsommer/dndscene/internal/tracking"
	"github.com/tsommer/dndscene/internal/transcript"
)

// settleDelay is how long a freshly created transcript gets to finish being
// written before a hint fires. Recorders write the file in several chunks.
const settleDelay = 2 * time.Second

// Watcher emits transcript basenames worth reconciling soon.
type Watcher struct {
	dir    string
	hints  chan string
	logger zerolog.Logger

	// test seam
	settle time.Duration
}

// New creates a watcher for the given transcript directory.
func New(dir string) *Watcher {
	return &Watcher{
		dir:    dir,
		hints:  make(chan string, 64),
		logger: log.WithComponent("watch"),
		settle: settleDelay,
	}
}

// Hints is the stream of transcript basenames with recent activity.
func (w *Watcher) Hints() <-chan string {
	return w.hints
}

// Run watches the directory until the context ends. fsnotify errors are
// logged and survived; the reconciler's scan covers any gap.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", w.dir, err)
	}
	w.logger.Info().Str("dir", w.dir).Msg("transcript watcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			w.handle(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			w.logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !relevant(name) {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Create):
		// Let the writer finish before the reconciler picks the file up.
		// A timer firing after shutdown is a harmless dropped hint, so no
		// goroutine is parked per file to stop it.
		w.logger.Debug().Str("file", name).Msg("transcript created, settling")
		time.AfterFunc(w.settle, func() { w.emit(name) })
	case event.Op.Has(fsnotify.Write), event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		w.emit(name)
	}
}

// emit never blocks; a full channel means the reconciler is already busy and
// will see the change on its next scan anyway.
func (w *Watcher) emit(name string) {
	select {
	case w.hints <- name:
	default:
		w.logger.Debug().Str("file", name).Msg("hint channel full, dropping")
	}
}

// relevant filters for transcript files, skipping the tracking file and
// editors' temp artifacts.
func relevant(name string) bool {
	if name == tracking.FileName || strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, transcript.Suffix)
}
