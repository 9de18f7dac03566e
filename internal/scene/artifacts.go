// SPDX-License-Identifier: MIT

package scene

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/tsommer/dndscene/internal/imagegen"
	"github.com/tsommer/dndscene/internal/llm"
)

// Metadata is the versioned record written next to each rendered image.
// Readers tolerate extra fields; writers never drop documented ones.
type Metadata struct {
	SceneName             string            `json:"scene_name"`
	TranscriptFile        string            `json:"transcript_file"`
	GenerationTimestamp   time.Time         `json:"generation_timestamp"`
	GenerationTimeSeconds float64           `json:"generation_time_seconds"`
	TranscriptMetadata    map[string]string `json:"transcript_metadata"`
	SegmenteCount         int               `json:"segmente_count"`
	SegmenteText          string            `json:"segmente_text"`
	LLMResult             llm.SceneVision   `json:"llm_result"`
	LLMFullResponse       string            `json:"llm_full_response"`
	DndstylePrompt        string            `json:"dndstyle_prompt"`
	Szenenbeschreibung    string            `json:"szenenbeschreibung"`
	ImageFile             string            `json:"image_file"`
	ImageGenerationResult *imagegen.Result  `json:"image_generation_result"`
	GenerationAttempts    int               `json:"generation_attempts"`
	Details               string            `json:"details,omitempty"`
}

// ErrorRecord is written when a scene fails for good.
type ErrorRecord struct {
	SceneName          string           `json:"scene_name"`
	Error              string           `json:"error"`
	Timestamp          time.Time        `json:"timestamp"`
	DndstylePrompt     string           `json:"dndstyle_prompt,omitempty"`
	Szenenbeschreibung string           `json:"szenenbeschreibung,omitempty"`
	LLMResult          *llm.SceneVision `json:"llm_result,omitempty"`
	FailedAttempts     int              `json:"failed_attempts"`
}

// Artifact path helpers. Everything a scene produces lives flat in the scene
// directory, keyed by the scene name.
func MetadataPath(dir, scene string) string { return filepath.Join(dir, scene+"_metadata.json") }
func ImagePath(dir, scene string) string    { return filepath.Join(dir, scene+"_image.png") }
func ErrorPath(dir, scene string) string    { return filepath.Join(dir, scene+"_error.json") }
func PromptPath(dir, scene string) string   { return filepath.Join(dir, scene+"_prompt.txt") }

// ImageFileName returns the basename sent to the image server.
func ImageFileName(scene string) string { return scene + "_image.png" }

// Complete reports whether the scene's output pair exists. Presence of both
// files is the definition of done; a zero-byte mock image counts.
func Complete(dir, scene string) bool {
	if _, err := os.Stat(MetadataPath(dir, scene)); err != nil {
		return false
	}
	if _, err := os.Stat(ImagePath(dir, scene)); err != nil {
		return false
	}
	return true
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteMetadata persists the metadata record and removes any stale error
// artifact, keeping the error/success exclusivity invariant.
func WriteMetadata(dir string, md Metadata) error {
	if err := writeJSON(MetadataPath(dir, md.SceneName), md); err != nil {
		return err
	}
	if err := os.Remove(ErrorPath(dir, md.SceneName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale error artifact: %w", err)
	}
	return nil
}

// WriteError persists the error record.
func WriteError(dir string, rec ErrorRecord) error {
	return writeJSON(ErrorPath(dir, rec.SceneName), rec)
}

// WritePrompt saves the final prompt as a plain-text artifact so the table
// can re-run or tweak a generation by hand. imageName is the sanitized name
// the model suggested for the shot, useful when regenerating manually.
func WritePrompt(dir, scene, imageName, prompt, beschreibung string) error {
	text := fmt.Sprintf("IMAGE NAME:\n%s\n\nPROMPT:\n%s\n\nSZENENBESCHREIBUNG:\n%s\n",
		imageName, prompt, beschreibung)
	if err := renameio.WriteFile(PromptPath(dir, scene), []byte(text), 0o644); err != nil {
		return fmt.Errorf("write prompt artifact: %w", err)
	}
	return nil
}

// WriteMockImage drops a zero-byte placeholder so downstream consumers see
// file presence even though nothing was rendered.
func WriteMockImage(dir, scene string) error {
	if err := renameio.WriteFile(ImagePath(dir, scene), nil, 0o644); err != nil {
		return fmt.Errorf("write mock image: %w", err)
	}
	return nil
}
