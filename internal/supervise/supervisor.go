// SPDX-License-Identifier: MIT

// Package supervise owns the lifetime of the external LLM host process: it
// launches the configured start script in its own process group, pumps the
// child's output into the structured log, waits for the host to become
// healthy, and tears the whole group down on shutdown.
package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsommer/dndscene/internal/log"
	"github.com/tsommer/dndscene/internal/procgroup"
)

var (
	// ErrScriptMissing means the configured launcher script does not exist.
	ErrScriptMissing = errors.New("launcher script not found")

	// ErrNotStarted is returned by Stop and Wait before Start succeeded.
	ErrNotStarted = errors.New("host process not started")

	// ErrStartupTimeout means the host never became healthy inside the
	// startup window.
	ErrStartupTimeout = errors.New("host did not become healthy in time")
)

// HealthFunc probes the supervised host. Nil error means healthy.
type HealthFunc func(ctx context.Context) error

// Config describes one supervised host process.
type Config struct {
	// Name tags all log lines from this host (e.g. "ollama").
	Name string

	// ScriptPath is the shell launcher to run with bash.
	ScriptPath string

	// StartupWait bounds how long Start polls Health before giving up.
	StartupWait time.Duration

	// Grace is how long the group gets after SIGTERM before SIGKILL.
	Grace time.Duration

	// Health is polled during startup. Nil skips the readiness wait and
	// Start returns as soon as the process is running.
	Health HealthFunc

	// LogOutput receives the child's raw stdout and stderr lines in
	// addition to the structured log. Nil discards the extra copy.
	LogOutput io.Writer
}

// Supervisor runs one host process and its log pumps.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	reaped  chan struct{}
	waitErr error
	pumps   sync.WaitGroup
}

// New builds a supervisor; Start launches the process.
func New(cfg Config) *Supervisor {
	if cfg.Name == "" {
		cfg.Name = "host"
	}
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = 30 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		logger: log.WithComponent("supervise").With().Str("host", cfg.Name).Logger(),
	}
}

// Start launches the script in a fresh process group, wires the log pumps and
// waits for the host to report healthy. On startup timeout the group is torn
// down again so no orphan keeps the port.
func (s *Supervisor) Start(ctx context.Context) error {
	if _, err := os.Stat(s.cfg.ScriptPath); err != nil {
		return fmt.Errorf("%w: %s", ErrScriptMissing, s.cfg.ScriptPath)
	}

	cmd := exec.Command("bash", s.cfg.ScriptPath) // #nosec G204 -- operator-configured launcher
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.ScriptPath, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.reaped = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info().
		Int("pid", cmd.Process.Pid).
		Str("script", s.cfg.ScriptPath).
		Msg("host process started")

	s.pumps.Add(2)
	go s.pump(stdout, "stdout", zerolog.InfoLevel)
	go s.pump(stderr, "stderr", zerolog.WarnLevel)

	go func() {
		// Drain both pipes before reaping; Wait closes them.
		s.pumps.Wait()
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		close(s.reaped)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn().Err(err).Msg("host process exited")
		} else {
			s.logger.Info().Msg("host process exited")
		}
	}()

	if s.cfg.Health == nil {
		return nil
	}
	if err := s.awaitHealthy(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Grace+5*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
		return err
	}
	return nil
}

// awaitHealthy polls the health func until it passes or the startup window
// closes. The first probe runs after a short settle so the script has a
// chance to exec the real server.
func (s *Supervisor) awaitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.StartupWait)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.reapedChan():
			return fmt.Errorf("host exited during startup: %w", s.WaitErr())
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.cfg.Health(probeCtx)
		cancel()
		if err == nil {
			s.logger.Info().Msg("host healthy")
			return nil
		}
		lastErr = err
		s.logger.Debug().Err(err).Msg("host not ready yet")

		if time.Now().After(deadline) {
			return fmt.Errorf("%w (last: %v)", ErrStartupTimeout, lastErr)
		}
	}
}

func (s *Supervisor) pump(r io.Reader, stream string, level zerolog.Level) {
	defer s.pumps.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.WithLevel(level).Str("stream", stream).Msg(line)
		if s.cfg.LogOutput != nil {
			_, _ = fmt.Fprintf(s.cfg.LogOutput, "%s %s: %s\n", s.cfg.Name, stream, line)
		}
	}
}

// Running reports whether the process has started and not yet exited.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.reaped:
		return false
	default:
		return true
	}
}

// Pid returns the host's pid, or 0 before Start.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// WaitErr returns the process exit error once it has been reaped.
func (s *Supervisor) WaitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}

func (s *Supervisor) reapedChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reaped
}

// Stop terminates the process group: SIGTERM, grace, SIGKILL. It waits for
// the log pumps to drain before returning.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	reaped := s.reaped
	s.mu.Unlock()

	if cmd == nil {
		return ErrNotStarted
	}

	select {
	case <-reaped:
		// already gone, just drain the pumps
	default:
		timeout := 5 * time.Second
		if d, ok := ctx.Deadline(); ok {
			if rest := time.Until(d) - s.cfg.Grace; rest > 0 {
				timeout = rest
			}
		}
		if err := procgroup.KillGroup(cmd.Process.Pid, reaped, s.cfg.Grace, timeout); err != nil {
			return fmt.Errorf("stop %s: %w", s.cfg.Name, err)
		}
	}

	s.pumps.Wait()
	s.logger.Info().Msg("host stopped")
	return nil
}
