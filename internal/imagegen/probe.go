// SPDX-License-Identifier: MIT

package imagegen

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/tsommer/dndscene/internal/log"
)

// Probe checks reachability with a plain TCP connect; no payload is sent.
func (c *Client) Probe(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	_ = conn.Close()
	return nil
}

// ProbeWithRetry probes up to maxRetries times, sleeping delay between
// attempts. It returns nil on the first successful connect.
func (c *Client) ProbeWithRetry(ctx context.Context, maxRetries int, delay time.Duration) error {
	logger := log.WithComponentFromContext(ctx, "imagegen")
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := c.Probe(ctx); err == nil {
			logger.Debug().Int("attempt", attempt).Str("addr", c.addr()).Msg("image server reachable")
			return nil
		} else {
			lastErr = err
			logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_retries", maxRetries).
				Msg("image server probe failed")
		}

		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("image server not reachable after %d attempts: %w", maxRetries, lastErr)
}
