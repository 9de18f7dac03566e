// SPDX-License-Identifier: MIT

package scene

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tsommer/dndscene/internal/config"
	"github.com/tsommer/dndscene/internal/imagegen"
	"github.com/tsommer/dndscene/internal/telemetry"
	"github.com/tsommer/dndscene/internal/tracking"
)

const transcriptBody = `Transkript für: scene_a.wav
Datum: 2025-06-20 21:15:03
Sprache: de
==================================================

VOLLTEXT:
the party enters the cave

ZEITGESTEMPELTE SEGMENTE:
[00:00.00 - 00:02.50] the party
[00:02.50 - 00:04.00] enters the cave
`

const structuredAnswer = `{
	"szenenbeschreibung": "Die Gruppe betritt eine Höhle",
	"dndstyle_prompt": "dndstyle illustration of adventurers entering a cave",
	"wichtige_elemente": ["Höhle"],
	"stimmung": "Spannend"
}`

type stubAnalyzer struct {
	answer string
	err    error
	calls  int
}

func (a *stubAnalyzer) Generate(_ context.Context, _, _ string) (string, error) {
	a.calls++
	return a.answer, a.err
}

type stubRenderer struct {
	dir       string
	probeErr  error
	genErrs   []error // consumed per call; nil entry means success
	genCalls  int
	lastFile  string
	lastInput string
}

func (r *stubRenderer) Probe(context.Context) error { return r.probeErr }

func (r *stubRenderer) Generate(_ context.Context, prompt, file string) (*imagegen.Result, error) {
	r.genCalls++
	r.lastFile = file
	r.lastInput = prompt
	if len(r.genErrs) > 0 {
		err := r.genErrs[0]
		r.genErrs = r.genErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	// The real server writes the file; mimic that.
	if err := os.WriteFile(filepath.Join(r.dir, file), []byte("png"), 0o600); err != nil {
		return nil, err
	}
	return &imagegen.Result{File: file, Timings: imagegen.Timings{InferenceS: 1, TotalS: 1.1}}, nil
}

func writeSceneTranscript(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "scene_a_transkript.txt")
	require.NoError(t, os.WriteFile(path, []byte(transcriptBody), 0o600))
	return path
}

func readErrorRecord(t *testing.T, dir, scene string) ErrorRecord {
	t.Helper()
	data, err := os.ReadFile(ErrorPath(dir, scene)) // #nosec G304
	require.NoError(t, err)
	var rec ErrorRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func TestProcessHappyPath(t *testing.T) {
	analyzer := &stubAnalyzer{answer: structuredAnswer}
	dir := t.TempDir()
	renderer := &stubRenderer{dir: dir}

	path := filepath.Join(dir, "scene_a_transkript.txt")
	require.NoError(t, os.WriteFile(path, []byte(transcriptBody), 0o600))
	// A stale error file from an earlier failed run must disappear.
	require.NoError(t, os.WriteFile(ErrorPath(dir, "scene_a"), []byte("{}"), 0o600))

	p := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond, analyzer, renderer)
	outcome, err := p.Process(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusCompleted, outcome.Status)

	assert.True(t, Complete(dir, "scene_a"))
	assert.NoFileExists(t, ErrorPath(dir, "scene_a"))
	assert.FileExists(t, PromptPath(dir, "scene_a"))

	data, err := os.ReadFile(MetadataPath(dir, "scene_a")) // #nosec G304
	require.NoError(t, err)
	var md Metadata
	require.NoError(t, json.Unmarshal(data, &md))
	assert.Equal(t, "scene_a", md.SceneName)
	assert.Equal(t, "scene_a_transkript.txt", md.TranscriptFile)
	assert.Equal(t, 2, md.SegmenteCount)
	assert.Contains(t, md.SegmenteText, "[00:00.00 - 00:02.50] the party")
	assert.Equal(t, "dndstyle illustration of adventurers entering a cave", md.DndstylePrompt)
	assert.Equal(t, "Die Gruppe betritt eine Höhle", md.Szenenbeschreibung)
	assert.Equal(t, structuredAnswer, md.LLMFullResponse)
	assert.Equal(t, "scene_a_image.png", md.ImageFile)
	assert.Equal(t, 1, md.GenerationAttempts)
	require.NotNil(t, md.ImageGenerationResult)
	assert.InDelta(t, 1.1, md.ImageGenerationResult.Timings.TotalS, 1e-9)
}

func TestProcessRetriesUnreachableThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	renderer := &stubRenderer{dir: dir, genErrs: []error{imagegen.ErrUnreachable, imagegen.ErrUnreachable, nil}}
	analyzer := &stubAnalyzer{answer: structuredAnswer}

	path := filepath.Join(dir, "scene_a_transkript.txt")
	require.NoError(t, os.WriteFile(path, []byte(transcriptBody), 0o600))

	p := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond, analyzer, renderer)
	outcome, err := p.Process(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusCompleted, outcome.Status)
	assert.Equal(t, 3, renderer.genCalls)
}

func TestProcessFailsAfterMaxRetries(t *testing.T) {
	dir := t.TempDir()
	unreachable := fmt.Errorf("%w: connect refused", imagegen.ErrUnreachable)
	renderer := &stubRenderer{dir: dir, genErrs: []error{unreachable, unreachable, unreachable}}
	analyzer := &stubAnalyzer{answer: structuredAnswer}

	path := filepath.Join(dir, "scene_a_transkript.txt")
	require.NoError(t, os.WriteFile(path, []byte(transcriptBody), 0o600))

	p := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond, analyzer, renderer)
	outcome, err := p.Process(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusFailed, outcome.Status)
	assert.Equal(t, 3, renderer.genCalls)

	rec := readErrorRecord(t, dir, "scene_a")
	assert.Equal(t, 3, rec.FailedAttempts)
	assert.Contains(t, rec.Error, "unreachable")
	assert.Equal(t, "dndstyle illustration of adventurers entering a cave", rec.DndstylePrompt)
	assert.NoFileExists(t, MetadataPath(dir, "scene_a"))
	assert.NoFileExists(t, ImagePath(dir, "scene_a"))
}

func TestProcessServerErrorNotRetried(t *testing.T) {
	dir := t.TempDir()
	renderer := &stubRenderer{dir: dir, genErrs: []error{&imagegen.ServerError{Reason: "oom"}}}
	analyzer := &stubAnalyzer{answer: structuredAnswer}

	path := filepath.Join(dir, "scene_a_transkript.txt")
	require.NoError(t, os.WriteFile(path, []byte(transcriptBody), 0o600))

	p := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond, analyzer, renderer)
	outcome, err := p.Process(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusFailed, outcome.Status)
	assert.Equal(t, 1, renderer.genCalls)
	assert.Contains(t, readErrorRecord(t, dir, "scene_a").Error, "oom")
}

func TestProcessParseError(t *testing.T) {
	dir := t.TempDir()
	p := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond,
		&stubAnalyzer{answer: structuredAnswer}, &stubRenderer{dir: dir})

	outcome, err := p.Process(context.Background(), filepath.Join(dir, "missing_transkript.txt"))
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusFailed, outcome.Status)
	assert.Contains(t, readErrorRecord(t, dir, "missing").Error, "parse transcript")
}

func TestProcessEmptyTranscript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty_transkript.txt")
	require.NoError(t, os.WriteFile(path, []byte("VOLLTEXT:\n"), 0o600))

	p := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond,
		&stubAnalyzer{answer: structuredAnswer}, &stubRenderer{dir: dir})

	outcome, err := p.Process(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusFailed, outcome.Status)
	assert.Contains(t, readErrorRecord(t, dir, "empty").Error, "empty transcript")
}

func TestProcessLLMFailure(t *testing.T) {
	analyzer := &stubAnalyzer{err: errors.New("host gone")}
	dir := t.TempDir()
	path := filepath.Join(dir, "scene_a_transkript.txt")
	require.NoError(t, os.WriteFile(path, []byte(transcriptBody), 0o600))

	renderer := &stubRenderer{dir: dir}
	p := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond, analyzer, renderer)
	outcome, err := p.Process(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusFailed, outcome.Status)
	assert.Zero(t, renderer.genCalls)
	assert.Contains(t, readErrorRecord(t, dir, "scene_a").Error, "llm analysis")
}

func TestFallbackSkip(t *testing.T) {
	dir := t.TempDir()
	renderer := &stubRenderer{dir: dir, probeErr: imagegen.ErrUnreachable}
	path := writeSceneTranscript(t, dir)

	proc := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond,
		&stubAnalyzer{answer: structuredAnswer}, renderer)
	outcome, err := proc.Process(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusFailed, outcome.Status)
	assert.Zero(t, renderer.genCalls)
	assert.Equal(t, 0, readErrorRecord(t, dir, "scene_a").FailedAttempts)
}

func TestFallbackPromptOnly(t *testing.T) {
	dir := t.TempDir()
	renderer := &stubRenderer{dir: dir, probeErr: imagegen.ErrUnreachable}
	path := writeSceneTranscript(t, dir)

	proc := NewProcessor(dir, config.FallbackPromptOnly, 3, time.Millisecond,
		&stubAnalyzer{answer: structuredAnswer}, renderer)
	outcome, err := proc.Process(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusCompleted, outcome.Status)
	assert.Contains(t, outcome.Details, "prompt_only")

	assert.FileExists(t, PromptPath(dir, "scene_a"))
	assert.FileExists(t, MetadataPath(dir, "scene_a"))
	assert.NoFileExists(t, ImagePath(dir, "scene_a"))

	prompt, err := os.ReadFile(PromptPath(dir, "scene_a")) // #nosec G304
	require.NoError(t, err)
	assert.Contains(t, string(prompt), "dndstyle illustration of adventurers entering a cave")
}

func TestFallbackMock(t *testing.T) {
	dir := t.TempDir()
	renderer := &stubRenderer{dir: dir, probeErr: imagegen.ErrUnreachable}
	path := writeSceneTranscript(t, dir)

	proc := NewProcessor(dir, config.FallbackMock, 3, time.Millisecond,
		&stubAnalyzer{answer: structuredAnswer}, renderer)
	outcome, err := proc.Process(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusCompleted, outcome.Status)
	assert.Contains(t, outcome.Details, "mock")

	info, err := os.Stat(ImagePath(dir, "scene_a"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.True(t, Complete(dir, "scene_a"))
}

func TestShutdownDuringRenderLeavesNoVerdict(t *testing.T) {
	dir := t.TempDir()
	renderer := &stubRenderer{dir: dir, genErrs: []error{imagegen.ErrUnreachable}}
	analyzer := &stubAnalyzer{answer: structuredAnswer}
	path := writeSceneTranscript(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond, analyzer, renderer)
	outcome, err := p.Process(ctx, path)
	require.NoError(t, err)

	// No verdict: the record stays queued and no error artifact appears,
	// so the transcript is retried after restart.
	assert.Empty(t, outcome.Status)
	assert.Equal(t, 1, renderer.genCalls)
	assert.NoFileExists(t, ErrorPath(dir, "scene_a"))
	assert.NoFileExists(t, MetadataPath(dir, "scene_a"))
}

func TestShutdownDuringLLMLeavesNoVerdict(t *testing.T) {
	dir := t.TempDir()
	path := writeSceneTranscript(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond,
		&stubAnalyzer{err: ctx.Err()}, &stubRenderer{dir: dir})
	outcome, err := p.Process(ctx, path)
	require.NoError(t, err)

	assert.Empty(t, outcome.Status)
	assert.NoFileExists(t, ErrorPath(dir, "scene_a"))
}

func TestPromptArtifactCarriesSuggestedImageName(t *testing.T) {
	const labelledAnswer = `SCENE ANALYSIS: Eine Höhle voller Bären

IMAGE PROMPT: dndstyle illustration of a bear cave entrance

IMAGE NAME: Höhle der Bären`

	dir := t.TempDir()
	renderer := &stubRenderer{dir: dir}
	path := writeSceneTranscript(t, dir)

	p := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond,
		&stubAnalyzer{answer: labelledAnswer}, renderer)
	p.now = func() time.Time { return time.Date(2025, 6, 20, 21, 15, 0, 0, time.UTC) }

	outcome, err := p.Process(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, tracking.StatusCompleted, outcome.Status)

	prompt, err := os.ReadFile(PromptPath(dir, "scene_a")) // #nosec G304
	require.NoError(t, err)
	assert.Contains(t, string(prompt), "IMAGE NAME:\n2115_H_hle_der_B_ren")
	assert.Contains(t, string(prompt), "dndstyle illustration of a bear cave entrance")
}

func TestProcessRecordsSceneSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	dir := t.TempDir()
	renderer := &stubRenderer{dir: dir}
	path := writeSceneTranscript(t, dir)

	p := NewProcessor(dir, config.FallbackSkip, 3, time.Millisecond,
		&stubAnalyzer{answer: structuredAnswer}, renderer)
	_, err := p.Process(context.Background(), path)
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "scene.process", span.Name)

	attrs := make(map[string]attribute.Value)
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value
	}
	assert.Equal(t, "scene_a", attrs[telemetry.SceneNameKey].AsString())
	assert.Equal(t, string(tracking.StatusCompleted), attrs[telemetry.SceneStatusKey].AsString())
	assert.EqualValues(t, 1, attrs[telemetry.SceneAttemptsKey].AsInt64())
	assert.True(t, attrs[telemetry.LLMStructuredKey].AsBool())
}
