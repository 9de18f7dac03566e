// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tsommer/dndscene/internal/fsutil"
	"github.com/tsommer/dndscene/internal/metrics"
	"github.com/tsommer/dndscene/internal/tracking"
)

// DirChecker verifies a pipeline directory exists and is writable.
type DirChecker struct {
	Label string
	Path  string
}

func (c DirChecker) Name() string { return c.Label }

func (c DirChecker) Check(context.Context) CheckResult {
	info, err := os.Stat(c.Path)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("%s is not a directory", c.Path)}
	}
	if err := fsutil.EnsureWritableDir(c.Path); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: c.Path}
}

// TrackingChecker verifies the tracking store persists and is not stale.
type TrackingChecker struct {
	Store *tracking.Store

	// MaxAge marks the store degraded when the last sync is older. Zero
	// disables the staleness check.
	MaxAge time.Duration
}

func (c TrackingChecker) Name() string { return "tracking" }

func (c TrackingChecker) Check(context.Context) CheckResult {
	snap := c.Store.Snapshot()
	if c.MaxAge > 0 && time.Since(snap.LastUpdated) > c.MaxAge {
		return CheckResult{
			Status: StatusDegraded,
			Error:  fmt.Sprintf("last sync %s ago", time.Since(snap.LastUpdated).Round(time.Second)),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d transcripts tracked, sync_count %d", len(snap.Transcripts), snap.SyncCount),
	}
}

// Prober is a dependency that answers a yes/no reachability probe.
type Prober interface {
	Probe(ctx context.Context) error
}

// LLMChecker probes the model host: API reachable and required model served.
type LLMChecker struct {
	Client interface {
		CheckHealth(ctx context.Context) error
	}
}

func (c LLMChecker) Name() string { return "llm" }

func (c LLMChecker) Check(ctx context.Context) CheckResult {
	err := c.Client.CheckHealth(ctx)
	metrics.SetDependencyUp("llm", err == nil)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// ImageServerChecker probes the render server with a TCP connect. The
// pipeline degrades rather than dies without it (fallback modes), so a
// failed probe reports degraded.
type ImageServerChecker struct {
	Client Prober
}

func (c ImageServerChecker) Name() string { return "image_server" }

func (c ImageServerChecker) Check(ctx context.Context) CheckResult {
	err := c.Client.Probe(ctx)
	metrics.SetDependencyUp("image_server", err == nil)
	if err != nil {
		return CheckResult{Status: StatusDegraded, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}
