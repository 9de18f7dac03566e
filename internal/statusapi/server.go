// SPDX-License-Identifier: MIT

// Package statusapi serves the read-only operational surface of the daemon:
// liveness, readiness, prometheus metrics and a tracking status summary.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tsommer/dndscene/internal/health"
	"github.com/tsommer/dndscene/internal/log"
	"github.com/tsommer/dndscene/internal/tracking"
)

// Config holds the HTTP surface settings.
type Config struct {
	ListenAddr        string
	RequestsPerMinute int
	ShutdownTimeout   time.Duration
}

// Server is the status HTTP server.
type Server struct {
	cfg    Config
	store  *tracking.Store
	health *health.Manager
	logger zerolog.Logger

	httpSrv *http.Server
}

// New assembles the server. The store backs /status, the health manager
// backs /healthz and /readyz.
func New(cfg Config, store *tracking.Store, hm *health.Manager) *Server {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		store:  store,
		health: hm,
		logger: log.WithComponent("statusapi"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(httprate.Limit(
		s.cfg.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
		}),
	))

	r.Get("/healthz", s.health.HealthHandler())
	r.Get("/readyz", s.health.ReadyHandler())
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "statusapi")
}

// StatusResponse summarises the tracking store for operators.
type StatusResponse struct {
	LastUpdated     time.Time                  `json:"last_updated"`
	TrackingStatus  string                     `json:"tracking_status"`
	SyncCount       int                        `json:"sync_count"`
	TranscriptCount int                        `json:"transcript_count"`
	StatusBreakdown map[string]int             `json:"status_breakdown"`
	Transcripts     map[string]tracking.Record `json:"transcripts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()

	breakdown := make(map[string]int)
	for status, n := range snap.StatusBreakdown() {
		breakdown[string(status)] = n
	}

	resp := StatusResponse{
		LastUpdated:     snap.LastUpdated,
		TrackingStatus:  snap.Status,
		SyncCount:       snap.SyncCount,
		TranscriptCount: len(snap.Transcripts),
		StatusBreakdown: breakdown,
		Transcripts:     snap.Transcripts,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("encode status response")
	}
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("status api listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status api shutdown: %w", err)
	}
	s.logger.Info().Msg("status api stopped")
	return ctx.Err()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
