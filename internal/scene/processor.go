// SPDX-License-Identifier: MIT

// Package scene runs the per-transcript state machine: parse, ask the LLM
// for a scene description, render the image, persist artifacts.
package scene

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tsommer/dndscene/internal/config"
	"github.com/tsommer/dndscene/internal/imagegen"
	"github.com/tsommer/dndscene/internal/llm"
	"github.com/tsommer/dndscene/internal/log"
	"github.com/tsommer/dndscene/internal/metrics"
	"github.com/tsommer/dndscene/internal/telemetry"
	"github.com/tsommer/dndscene/internal/tracking"
	"github.com/tsommer/dndscene/internal/transcript"
)

// Analyzer is the LLM side of the pipeline.
type Analyzer interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Renderer is the image-server side of the pipeline.
type Renderer interface {
	Generate(ctx context.Context, prompt, file string) (*imagegen.Result, error)
	Probe(ctx context.Context) error
}

// Outcome is what the reconciler records in the tracking store after a run.
// A zero Status means the run was interrupted before reaching a verdict and
// the record must stay untouched for the next pass.
type Outcome struct {
	Status   tracking.Status
	Details  string
	Attempts int
}

// Processor executes the state machine for one transcript at a time.
type Processor struct {
	SceneDir   string
	Fallback   config.FallbackMode
	MaxRetries int
	RetryDelay time.Duration

	analyzer Analyzer
	renderer Renderer
	now      func() time.Time
}

// NewProcessor wires a processor. maxRetries and retryDelay bound the image
// rendering attempts; the analyzer retries internally.
func NewProcessor(sceneDir string, fallback config.FallbackMode, maxRetries int, retryDelay time.Duration, analyzer Analyzer, renderer Renderer) *Processor {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Processor{
		SceneDir:   sceneDir,
		Fallback:   fallback,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		analyzer:   analyzer,
		renderer:   renderer,
		now:        time.Now,
	}
}

// Process runs one transcript through the full state machine. The returned
// Outcome is always valid, also when err is non-nil; err reports artifact
// write failures that need operator attention.
func (p *Processor) Process(ctx context.Context, transcriptPath string) (Outcome, error) {
	ctx, span := telemetry.Tracer("scene").Start(ctx, "scene.process")
	defer span.End()

	outcome, err := p.run(ctx, transcriptPath)

	span.SetAttributes(telemetry.SceneAttributes(
		transcript.SceneName(transcriptPath),
		filepath.Base(transcriptPath),
		string(outcome.Status),
		outcome.Attempts,
	)...)
	if jobID := log.JobIDFromContext(ctx); jobID != "" {
		span.SetAttributes(attribute.String(telemetry.JobIDKey, jobID))
	}
	if outcome.Status == tracking.StatusFailed {
		span.SetAttributes(telemetry.ErrorAttributes(outcome.Details)...)
	}
	return outcome, err
}

func (p *Processor) run(ctx context.Context, transcriptPath string) (Outcome, error) {
	start := p.now()
	sceneName := transcript.SceneName(transcriptPath)
	logger := log.WithContext(ctx, log.WithComponent("scene")).With().
		Str("scene", sceneName).Logger()

	logger.Info().Str("transcript", transcriptPath).Msg("processing transcript")

	// Parsed
	tr, err := transcript.Parse(transcriptPath)
	if err != nil {
		return p.fail(logger, ErrorRecord{
			SceneName:      sceneName,
			Error:          fmt.Sprintf("parse transcript: %v", err),
			Timestamp:      p.now(),
			FailedAttempts: 0,
		}, "parse error")
	}
	if len(tr.Segments) == 0 && tr.Volltext == "" {
		return p.fail(logger, ErrorRecord{
			SceneName:      sceneName,
			Error:          "empty transcript: no segments and no text",
			Timestamp:      p.now(),
			FailedAttempts: 0,
		}, "empty transcript")
	}

	segText := tr.SegmentsText()
	if segText == "" {
		segText = tr.Volltext
	}

	// Prompted
	llmStart := p.now()
	raw, err := p.analyzer.Generate(ctx, llm.SystemPrompt, llm.BuildUserPrompt(segText))
	metrics.ObserveLLMRequest(p.now().Sub(llmStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			logger.Info().Msg("shutdown during llm analysis, leaving transcript for the next pass")
			return Outcome{}, nil
		}
		return p.fail(logger, ErrorRecord{
			SceneName:      sceneName,
			Error:          fmt.Sprintf("llm analysis: %v", err),
			Timestamp:      p.now(),
			FailedAttempts: 0,
		}, "llm error")
	}

	vision := llm.ParseSceneVision(raw)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(telemetry.LLMStructuredKey, vision.Structured))
	prompt := llm.EnsureTrigger(vision.DndstylePrompt)
	suggestedName := llm.SanitizeImageName(vision.ImageName, p.now())
	if !vision.Structured {
		logger.Warn().Str("prompt", prompt).Msg("llm answer was not structured, recovered via fallback parsing")
	}
	logger.Info().Str("prompt", prompt).Str("stimmung", vision.Stimmung).Msg("scene prompt ready")

	md := Metadata{
		SceneName:          sceneName,
		TranscriptFile:     tr.FileName,
		TranscriptMetadata: tr.Metadata,
		SegmenteCount:      len(tr.Segments),
		SegmenteText:       segText,
		LLMResult:          vision,
		LLMFullResponse:    raw,
		DndstylePrompt:     prompt,
		Szenenbeschreibung: vision.Szenenbeschreibung,
	}

	// Fallback check before Rendering: an unreachable image server at cycle
	// start switches to the configured degraded mode.
	if err := p.renderer.Probe(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info().Msg("shutdown before rendering, leaving transcript for the next pass")
			return Outcome{}, nil
		}
		logger.Warn().Err(err).Str("mode", string(p.Fallback)).Msg("image server unreachable, applying fallback mode")
		return p.fallback(logger, md, suggestedName, err, start)
	}

	// Rendering
	outcome, err := p.render(ctx, logger, md, suggestedName, start)
	metrics.ObserveSceneDuration(p.now().Sub(start).Seconds())
	return outcome, err
}

// render drives the retry loop against the image server and writes the final
// artifacts. Only Unreachable failures are retried; a ServerError or
// ProtocolError will fail the same way again and ends the scene immediately.
// The error artifact is written only once all retries are spent; a shutdown
// mid-loop returns a zero Outcome so the record stays queued.
func (p *Processor) render(ctx context.Context, logger zerolog.Logger, md Metadata, suggestedName string, start time.Time) (Outcome, error) {
	imageFile := ImageFileName(md.SceneName)

	var lastErr error
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		logger.Info().Int("attempt", attempt).Int("max_retries", p.MaxRetries).Msg("rendering image")

		imgStart := p.now()
		result, err := p.renderer.Generate(ctx, md.DndstylePrompt, imageFile)
		metrics.ObserveImageRequest(p.now().Sub(imgStart).Seconds())

		if err == nil {
			md.GenerationTimestamp = p.now()
			md.GenerationTimeSeconds = round2(p.now().Sub(start).Seconds())
			md.ImageFile = imageFile
			md.ImageGenerationResult = result
			md.GenerationAttempts = attempt

			if err := p.persistSuccess(md, suggestedName); err != nil {
				return Outcome{Status: tracking.StatusFailed, Details: "artifact write failed", Attempts: attempt}, err
			}
			logger.Info().
				Int("attempts", attempt).
				Float64("seconds", md.GenerationTimeSeconds).
				Msg("scene completed")
			metrics.IncSceneProcessed("completed")
			return Outcome{Status: tracking.StatusCompleted, Details: "image generated", Attempts: attempt}, nil
		}

		if ctx.Err() != nil {
			logger.Info().Int("attempt", attempt).Msg("shutdown during rendering, leaving transcript for the next pass")
			return Outcome{}, nil
		}

		lastErr = err
		if !errors.Is(err, imagegen.ErrUnreachable) {
			logger.Error().Err(err).Msg("image generation failed, not retryable")
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("image server unreachable")
		if attempt == p.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			logger.Info().Int("attempt", attempt).Msg("shutdown while waiting to retry, leaving transcript for the next pass")
			return Outcome{}, nil
		case <-time.After(p.RetryDelay):
		}
	}

	outcome, ferr := p.fail(logger, ErrorRecord{
		SceneName:          md.SceneName,
		Error:              fmt.Sprintf("image generation: %v", lastErr),
		Timestamp:          p.now(),
		DndstylePrompt:     md.DndstylePrompt,
		Szenenbeschreibung: md.Szenenbeschreibung,
		LLMResult:          &md.LLMResult,
		FailedAttempts:     p.MaxRetries,
	}, "image generation failed")
	outcome.Attempts = p.MaxRetries
	return outcome, ferr
}

// fallback handles an image server that is down at cycle start.
func (p *Processor) fallback(logger zerolog.Logger, md Metadata, suggestedName string, probeErr error, start time.Time) (Outcome, error) {
	switch p.Fallback {
	case config.FallbackPromptOnly:
		md.GenerationTimestamp = p.now()
		md.GenerationTimeSeconds = round2(p.now().Sub(start).Seconds())
		md.Details = "prompt_only: image server unavailable"
		if err := WritePrompt(p.SceneDir, md.SceneName, suggestedName, md.DndstylePrompt, md.Szenenbeschreibung); err != nil {
			return Outcome{Status: tracking.StatusFailed, Details: "artifact write failed"}, err
		}
		if err := WriteMetadata(p.SceneDir, md); err != nil {
			return Outcome{Status: tracking.StatusFailed, Details: "artifact write failed"}, err
		}
		logger.Info().Msg("prompt saved without image")
		metrics.IncSceneProcessed("fallback")
		return Outcome{Status: tracking.StatusCompleted, Details: "prompt_only fallback"}, nil

	case config.FallbackMock:
		md.GenerationTimestamp = p.now()
		md.GenerationTimeSeconds = round2(p.now().Sub(start).Seconds())
		md.ImageFile = ImageFileName(md.SceneName)
		md.Details = "mock: placeholder image, server unavailable"
		if err := WriteMockImage(p.SceneDir, md.SceneName); err != nil {
			return Outcome{Status: tracking.StatusFailed, Details: "artifact write failed"}, err
		}
		if err := WriteMetadata(p.SceneDir, md); err != nil {
			return Outcome{Status: tracking.StatusFailed, Details: "artifact write failed"}, err
		}
		logger.Info().Msg("mock placeholder written")
		metrics.IncSceneProcessed("fallback")
		return Outcome{Status: tracking.StatusCompleted, Details: "mock fallback"}, nil

	default: // FallbackSkip
		return p.fail(logger, ErrorRecord{
			SceneName:          md.SceneName,
			Error:              fmt.Sprintf("image server unreachable: %v", probeErr),
			Timestamp:          p.now(),
			DndstylePrompt:     md.DndstylePrompt,
			Szenenbeschreibung: md.Szenenbeschreibung,
			LLMResult:          &md.LLMResult,
			FailedAttempts:     0,
		}, "skipped: image server unavailable")
	}
}

// persistSuccess writes the metadata pair plus the prompt artifact.
func (p *Processor) persistSuccess(md Metadata, suggestedName string) error {
	if err := WriteMetadata(p.SceneDir, md); err != nil {
		return err
	}
	return WritePrompt(p.SceneDir, md.SceneName, suggestedName, md.DndstylePrompt, md.Szenenbeschreibung)
}

// fail writes the error artifact and returns the failed outcome. An artifact
// write failure is surfaced via err on top of the outcome.
func (p *Processor) fail(logger zerolog.Logger, rec ErrorRecord, details string) (Outcome, error) {
	logger.Error().Str("reason", rec.Error).Msg("scene failed")
	metrics.IncSceneProcessed("failed")
	if err := WriteError(p.SceneDir, rec); err != nil {
		return Outcome{Status: tracking.StatusFailed, Details: details}, err
	}
	return Outcome{Status: tracking.StatusFailed, Details: details}, nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
