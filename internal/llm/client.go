// SPDX-License-Identifier: MIT

// Package llm drives the local ollama-compatible model host: health probes,
// scene analysis requests, and parsing of the model's answers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tsommer/dndscene/internal/log"
	"github.com/tsommer/dndscene/internal/telemetry"
)

var (
	// ErrModelMissing means the host answered but does not serve the
	// required model.
	ErrModelMissing = errors.New("required model not available")

	// ErrEmptyResponse means the host returned a completion with no text.
	ErrEmptyResponse = errors.New("empty model response")
)

// Options are the sampling parameters sent with every generate request.
type Options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
	NumCtx      int     `json:"num_ctx"`
}

// DefaultOptions matches the tuning the pipeline was calibrated with.
func DefaultOptions() Options {
	return Options{Temperature: 0.7, TopP: 0.9, NumPredict: 1500, NumCtx: 4096}
}

// Client talks to an ollama-compatible HTTP API.
type Client struct {
	BaseURL       string
	Model         string
	RequiredModel string
	Opts          Options
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration

	httpc *http.Client
}

// NewClient builds a client against baseURL (e.g. http://127.0.0.1:11434).
func NewClient(baseURL, model, requiredModel string, opts Options, timeout time.Duration, maxRetries int, retryDelay time.Duration) *Client {
	if requiredModel == "" {
		requiredModel = model
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		Model:         model,
		RequiredModel: requiredModel,
		Opts:          opts,
		Timeout:       timeout,
		MaxRetries:    maxRetries,
		RetryDelay:    retryDelay,
		httpc: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type versionResponse struct {
	Version string `json:"version"`
}

// Version returns the host's reported version. A successful call is the
// liveness half of the health check.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v versionResponse
	if err := c.getJSON(ctx, "/api/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the model names the host currently serves.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var tags tagsResponse
	if err := c.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// CheckHealth verifies the host answers and serves the required model. Model
// names match on the part before the tag, so "llama3" accepts "llama3:8b".
func (c *Client) CheckHealth(ctx context.Context) error {
	if _, err := c.Version(ctx); err != nil {
		return fmt.Errorf("llm host unreachable: %w", err)
	}
	names, err := c.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	want := c.RequiredModel
	for _, name := range names {
		if name == want || strings.SplitN(name, ":", 2)[0] == strings.SplitN(want, ":", 2)[0] {
			return nil
		}
	}
	return fmt.Errorf("%w: %q not in %v", ErrModelMissing, want, names)
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	System  string  `json:"system,omitempty"`
	Format  string  `json:"format,omitempty"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs one non-streaming completion with format=json, retrying
// transient failures up to MaxRetries times.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, span := telemetry.Tracer("llm").Start(ctx, "llm.generate")
	defer span.End()
	logger := log.WithComponentFromContext(ctx, "llm")

	body, err := json.Marshal(generateRequest{
		Model:   c.Model,
		Prompt:  userPrompt,
		System:  systemPrompt,
		Format:  "json",
		Stream:  false,
		Options: c.Opts,
	})
	if err != nil {
		return "", fmt.Errorf("encode generate request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.MaxRetries; attempt++ {
		start := time.Now()
		text, err := c.generateOnce(ctx, body)
		if err == nil {
			span.SetAttributes(telemetry.LLMAttributes(c.Model, len(systemPrompt)+len(userPrompt), len(text))...)
			logger.Info().
				Int("attempt", attempt).
				Dur("elapsed", time.Since(start)).
				Int("response_chars", len(text)).
				Msg("llm analysis complete")
			return text, nil
		}
		lastErr = err
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_retries", c.MaxRetries).
			Msg("llm generate failed")

		if attempt == c.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			span.SetAttributes(telemetry.ErrorAttributes("llm_cancelled")...)
			return "", ctx.Err()
		case <-time.After(c.RetryDelay):
		}
	}
	span.SetAttributes(telemetry.ErrorAttributes("llm_error")...)
	return "", fmt.Errorf("llm generate failed after %d attempts: %w", c.MaxRetries, lastErr)
}

func (c *Client) generateOnce(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("generate: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", ErrEmptyResponse
	}
	return out.Response, nil
}

func (c *Client) getJSON(ctx context.Context, path string, into any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}
