// SPDX-License-Identifier: MIT

// Package runner assembles and drives the whole visualizer daemon: single
// instance lock, directory checks, tracking store, LLM host supervision,
// watcher, reconciler and the periodic health and heartbeat loops.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tsommer/dndscene/internal/config"
	"github.com/tsommer/dndscene/internal/fsutil"
	"github.com/tsommer/dndscene/internal/health"
	"github.com/tsommer/dndscene/internal/imagegen"
	"github.com/tsommer/dndscene/internal/llm"
	"github.com/tsommer/dndscene/internal/lockfile"
	"github.com/tsommer/dndscene/internal/log"
	"github.com/tsommer/dndscene/internal/metrics"
	"github.com/tsommer/dndscene/internal/reconcile"
	"github.com/tsommer/dndscene/internal/scene"
	"github.com/tsommer/dndscene/internal/statusapi"
	"github.com/tsommer/dndscene/internal/supervise"
	"github.com/tsommer/dndscene/internal/telemetry"
	"github.com/tsommer/dndscene/internal/tracking"
	"github.com/tsommer/dndscene/internal/transcript"
	"github.com/tsommer/dndscene/internal/watch"
)

const (
	heartbeatInterval = 2 * time.Minute
	statusInterval    = 5 * time.Minute
)

// Runner owns the daemon lifecycle.
type Runner struct {
	cfg     config.Config
	version string
	logger  zerolog.Logger

	started time.Time
}

// New creates a runner for a validated configuration.
func New(cfg config.Config, version string) *Runner {
	return &Runner{
		cfg:     cfg,
		version: version,
		logger:  log.WithComponent("runner"),
	}
}

// Run blocks until the context is cancelled or a fatal error occurs. A clean
// shutdown returns nil.
func (r *Runner) Run(ctx context.Context) error {
	r.started = time.Now()
	cfg := r.cfg

	lock, err := lockfile.Acquire(cfg.LockFile)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Release()

	for _, dir := range []string{cfg.TranscriptDir, cfg.SceneDir, cfg.OutputsDir} {
		if err := fsutil.EnsureWritableDir(dir); err != nil {
			return fmt.Errorf("prepare directory %s: %w", dir, err)
		}
	}

	store := tracking.NewStore(filepath.Join(cfg.TranscriptDir, tracking.FileName))
	if err := store.Load(); err != nil {
		return fmt.Errorf("load tracking store: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "scenevis",
		ServiceVersion: r.version,
		Environment:    "production",
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	llmc := llm.NewClient(
		cfg.Services.LLM.BaseURL,
		cfg.Services.LLM.Model,
		cfg.Services.LLM.RequiredModel,
		llm.Options{
			Temperature: cfg.Services.LLM.Temperature,
			TopP:        cfg.Services.LLM.TopP,
			NumPredict:  cfg.Services.LLM.NumPredict,
			NumCtx:      cfg.Services.LLM.NumCtx,
		},
		cfg.Services.LLM.Timeout(),
		cfg.Services.LLM.MaxRetries,
		cfg.Services.LLM.RetryDelay(),
	)
	imgc := imagegen.NewClient(
		cfg.Services.ImageServer.Host,
		cfg.Services.ImageServer.Port,
		cfg.Services.ImageServer.ConnectTimeout(),
		cfg.Services.ImageServer.RequestTimeout(),
	)

	sup, err := r.superviseLLMHost(ctx, llmc)
	if err != nil {
		return err
	}
	if sup != nil {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := sup.Stop(stopCtx); err != nil && !errors.Is(err, supervise.ErrNotStarted) {
				r.logger.Warn().Err(err).Msg("llm host stop")
			}
		}()
	}

	if err := r.awaitImageServer(ctx, imgc); err != nil {
		r.logger.Warn().Err(err).
			Str("fallback_mode", string(cfg.Services.ImageServer.FallbackMode)).
			Msg("image server not reachable at startup")
	}

	proc := scene.NewProcessor(
		cfg.SceneDir,
		cfg.Services.ImageServer.FallbackMode,
		cfg.Services.ImageServer.MaxRetries,
		cfg.Services.ImageServer.RetryDelay(),
		llmc,
		imgc,
	)

	watcher := watch.New(cfg.TranscriptDir)
	rec := reconcile.New(cfg.TranscriptDir, cfg.SceneDir, cfg.SyncInterval(), store, proc, watcher.Hints())

	// Bootstrap: one synchronous pass so a backlog starts processing before
	// the loops are even up.
	r.recheckLatest(store)
	if err := rec.Pass(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("bootstrap reconcile pass failed")
	}

	hm := health.NewManager(r.version)
	hm.RegisterChecker(health.DirChecker{Label: "transcript_dir", Path: cfg.TranscriptDir})
	hm.RegisterChecker(health.DirChecker{Label: "scene_dir", Path: cfg.SceneDir})
	hm.RegisterChecker(health.TrackingChecker{Store: store, MaxAge: 10 * cfg.SyncInterval()})
	hm.RegisterChecker(health.LLMChecker{Client: llmc})
	hm.RegisterChecker(health.ImageServerChecker{Client: imgc})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := watcher.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			// The periodic scan still covers everything; log and live on.
			r.logger.Error().Err(err).Msg("watcher stopped, relying on periodic scan only")
		}
		return nil
	})

	g.Go(func() error {
		err := rec.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.StatusAPI.Enabled {
		srv := statusapi.New(statusapi.Config{
			ListenAddr:        cfg.StatusAPI.ListenAddr,
			RequestsPerMinute: cfg.StatusAPI.RequestsPerMin,
			ShutdownTimeout:   time.Duration(cfg.StatusAPI.ShutdownSeconds) * time.Second,
		}, store, hm)
		g.Go(func() error {
			err := srv.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error { return r.healthLoop(gctx, store, llmc, imgc, sup) })
	g.Go(func() error { return r.heartbeatLoop(gctx, store) })
	g.Go(func() error { return r.statusLoop(gctx, store) })

	r.logger.Info().
		Str("version", r.version).
		Str("transcript_dir", cfg.TranscriptDir).
		Str("scene_dir", cfg.SceneDir).
		Msg("runner up")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	r.logger.Info().Dur("uptime", time.Since(r.started)).Msg("runner shut down")
	return nil
}

// recheckLatest gives the newest transcript on disk another chance at
// startup when its last run errored or its image never landed. Typical after
// an overnight crash mid-session.
func (r *Runner) recheckLatest(store *tracking.Store) {
	latest, err := transcript.Latest(r.cfg.TranscriptDir)
	if err != nil || latest == "" {
		return
	}
	name := filepath.Base(latest)
	r.logger.Info().Str("latest", name).Msg("newest transcript on disk")

	rec, ok := store.Snapshot().Transcripts[name]
	if !ok {
		return
	}
	stale := rec.Status == tracking.StatusFailed ||
		(rec.Status == tracking.StatusCompleted && !scene.Complete(r.cfg.SceneDir, transcript.SceneName(latest)))
	if !stale {
		return
	}
	if err := store.UpdateStatus(name, tracking.StatusDetected, "startup recheck"); err != nil {
		r.logger.Warn().Err(err).Str("file", name).Msg("startup recheck failed")
		return
	}
	r.logger.Info().Str("file", name).Str("was", string(rec.Status)).Msg("requeued latest transcript")
}

// awaitImageServer gives the render server a short startup grace using the
// configured retry schedule, so a host that boots both services does not
// immediately fall into a degraded mode.
func (r *Runner) awaitImageServer(ctx context.Context, imgc *imagegen.Client) error {
	img := r.cfg.Services.ImageServer
	return imgc.ProbeWithRetry(ctx, img.MaxRetries, img.RetryDelay())
}

// superviseLLMHost launches the configured start script when the host is not
// already answering. A missing script is tolerated: the operator may run the
// host out of band.
func (r *Runner) superviseLLMHost(ctx context.Context, llmc *llm.Client) (*supervise.Supervisor, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := llmc.CheckHealth(probeCtx)
	cancel()
	if err == nil {
		r.logger.Info().Msg("llm host already running")
		return nil, nil
	}

	script := r.cfg.Services.LLM.LauncherScript
	if script == "" {
		r.logger.Warn().Err(err).Msg("llm host down and no launcher configured")
		return nil, nil
	}

	var sinkWriter io.Writer
	if f := r.cfg.Logging.LLMLogFile; f != "" {
		sink, err := log.NewRotatingSink(f,
			int64(r.cfg.Logging.MaxLogSizeMB)<<20, r.cfg.Logging.BackupCount)
		if err != nil {
			r.logger.Warn().Err(err).Str("file", f).Msg("llm host log sink unavailable")
		} else {
			sinkWriter = sink
		}
	}

	sup := supervise.New(supervise.Config{
		Name:        "ollama",
		ScriptPath:  script,
		StartupWait: r.cfg.Services.LLM.StartupWait(),
		Grace:       10 * time.Second,
		Health:      llmc.CheckHealth,
		LogOutput:   sinkWriter,
	})
	if err := sup.Start(ctx); err != nil {
		if errors.Is(err, supervise.ErrScriptMissing) {
			r.logger.Warn().Err(err).Msg("launcher script missing, running without supervision")
			return nil, nil
		}
		return nil, fmt.Errorf("start llm host: %w", err)
	}
	return sup, nil
}

// healthLoop probes both dependencies on the configured cadence and compares
// the tracked transcript count against the directory. Losing the supervised
// LLM host process is fatal; everything else only logs.
func (r *Runner) healthLoop(ctx context.Context, store *tracking.Store, llmc *llm.Client, imgc *imagegen.Client, sup *supervise.Supervisor) error {
	ticker := time.NewTicker(r.cfg.HealthcheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		llmErr := llmc.CheckHealth(probeCtx)
		imgErr := imgc.Probe(probeCtx)
		cancel()

		metrics.SetDependencyUp("llm", llmErr == nil)
		metrics.SetDependencyUp("image_server", imgErr == nil)

		if llmErr != nil {
			r.logger.Warn().Err(llmErr).Msg("llm host unhealthy")
			if sup != nil && !sup.Running() {
				return fmt.Errorf("llm host process lost: %w", llmErr)
			}
		}
		if imgErr != nil {
			r.logger.Warn().Err(imgErr).Msg("image server unreachable")
		}
		if llmErr == nil && imgErr == nil {
			r.logger.Debug().Msg("dependencies healthy")
		}

		tracked := len(store.Snapshot().Transcripts)
		if onDisk, err := transcript.Count(r.cfg.TranscriptDir); err == nil {
			ev := r.logger.Debug()
			if onDisk != tracked {
				ev = r.logger.Warn()
			}
			ev.Int("tracked", tracked).Int("on_disk", onDisk).Msg("transcript inventory")
		}
	}
}

// heartbeatLoop emits a short liveness line so log followers see the daemon
// is alive even on quiet evenings.
func (r *Runner) heartbeatLoop(ctx context.Context, store *tracking.Store) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := store.Snapshot()
			r.logger.Info().
				Dur("uptime", time.Since(r.started)).
				Int("tracked", len(snap.Transcripts)).
				Int("sync_count", snap.SyncCount).
				Msg("heartbeat")
		}
	}
}

// statusLoop logs the full status breakdown on a slower cadence.
func (r *Runner) statusLoop(ctx context.Context, store *tracking.Store) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := store.Snapshot()
			ev := r.logger.Info().Int("tracked", len(snap.Transcripts))
			for status, n := range snap.StatusBreakdown() {
				ev = ev.Int(string(status), n)
			}
			ev.Msg("tracking status")
		}
	}
}
