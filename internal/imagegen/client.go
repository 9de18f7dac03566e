// SPDX-License-Identifier: MIT

// Package imagegen talks to the diffusion image server over its line-JSON
// TCP protocol: one request per connection, one JSON object per line.
package imagegen

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/tsommer/dndscene/internal/log"
	"github.com/tsommer/dndscene/internal/telemetry"
)

// Failure kinds. ErrUnreachable is the only retryable one.
var (
	ErrUnreachable = errors.New("image server unreachable")
	ErrProtocol    = errors.New("invalid image server response")
)

// ServerError is a failure reported by the server itself ({"error": ...}).
// It is not retried; the prompt will fail the same way again.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string {
	return "image server error: " + e.Reason
}

// errorKind classifies a failure for span attributes.
func errorKind(err error) string {
	var srvErr *ServerError
	switch {
	case errors.Is(err, ErrUnreachable):
		return "image_unreachable"
	case errors.As(err, &srvErr):
		return "server_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "protocol_error"
	}
}

// Timings is the server's breakdown of where the request time went.
type Timings struct {
	InferenceS float64 `json:"inference_s"`
	SaveS      float64 `json:"save_s"`
	TotalS     float64 `json:"total_s"`
}

// Result is a successful generation response.
type Result struct {
	File    string  `json:"file"`
	Timings Timings `json:"timings"`
}

type request struct {
	Prompt string `json:"prompt"`
	File   string `json:"file"`
}

type response struct {
	File    string  `json:"file"`
	Timings Timings `json:"timings"`
	Error   string  `json:"error"`
}

// Client issues generation requests to the image server.
type Client struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// NewClient returns a client with the default timeouts filled in.
func NewClient(host string, port int, connectTimeout, requestTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 300 * time.Second
	}
	return &Client{
		Host:           host,
		Port:           port,
		ConnectTimeout: connectTimeout,
		RequestTimeout: requestTimeout,
	}
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Generate sends one prompt and waits for the rendered file. The file
// argument is a basename only; the server resolves it against its own output
// directory.
func (c *Client) Generate(ctx context.Context, prompt, file string) (result *Result, err error) {
	ctx, span := telemetry.Tracer("imagegen").Start(ctx, "image.generate")
	defer func() {
		if err != nil {
			span.SetAttributes(telemetry.ErrorAttributes(errorKind(err))...)
		} else {
			span.SetAttributes(telemetry.ImageAttributes(result.File, result.Timings.InferenceS)...)
		}
		span.End()
	}()
	logger := log.WithComponentFromContext(ctx, "imagegen")

	dialer := net.Dialer{Timeout: c.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrUnreachable, c.addr(), err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.RequestTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	// Unblock the read when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	payload, err := json.Marshal(request{Prompt: prompt, File: file})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	start := time.Now()
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", ErrUnreachable, err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read response: %v", ErrProtocol, err)
	}

	var resp response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrProtocol, line, err)
	}
	if resp.Error != "" {
		return nil, &ServerError{Reason: resp.Error}
	}
	if resp.File == "" {
		return nil, fmt.Errorf("%w: response names no file", ErrProtocol)
	}

	logger.Debug().
		Str("file", resp.File).
		Float64("inference_s", resp.Timings.InferenceS).
		Dur("elapsed", time.Since(start)).
		Msg("image generated")

	return &Result{File: resp.File, Timings: resp.Timings}, nil
}
