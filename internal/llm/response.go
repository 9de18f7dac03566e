// SPDX-License-Identifier: MIT

package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Fallback literals used when the model's answer yields nothing usable.
const (
	FallbackPrompt      = "dndstyle fantasy adventure scene, dungeons and dragons style illustration"
	FallbackDescription = "Eine mysteriöse D&D Szene"
	FallbackMood        = "Mysteriös"
	FallbackName        = "fallback_scene"
	GenericName         = "generated_scene"
)

// SceneVision is the model's scene analysis. Structured marks answers that
// arrived as well-formed JSON; everything else was scraped out of free text.
type SceneVision struct {
	Szenenbeschreibung string   `json:"szenenbeschreibung"`
	DndstylePrompt     string   `json:"dndstyle_prompt"`
	WichtigeElemente   []string `json:"wichtige_elemente"`
	Stimmung           string   `json:"stimmung"`

	Structured bool   `json:"-"`
	ImageName  string `json:"-"` // only set by free-text parsing
}

var thinkCloseTag = "</think>"

// StripThink drops a reasoning model's <think> preamble, keeping everything
// after the closing tag.
func StripThink(s string) string {
	if strings.Contains(s, "<think>") && strings.Contains(s, thinkCloseTag) {
		parts := strings.SplitN(s, thinkCloseTag, 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(s)
}

// Free-text extraction patterns, tried in order. The model sometimes ignores
// the JSON instruction and falls back to its labelled-sections habit.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)DNDSTYLE IMAGE PROMPT:\s*(.+?)(?:\nIMAGE NAME:|$)`),
	regexp.MustCompile(`(?is)IMAGE PROMPT:\s*(.+?)(?:\nIMAGE NAME:|$)`),
	regexp.MustCompile(`(?is)PROMPT:\s*(.+?)(?:\nIMAGE NAME:|$)`),
	regexp.MustCompile(`(?is)dndstyle[,\s]+(.+?)(?:\nIMAGE NAME:|$)`),
}

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)IMAGE NAME:\s*(.+?)(?:\n|$)`),
	regexp.MustCompile(`(?i)NAME:\s*(.+?)(?:\n|$)`),
	regexp.MustCompile(`(?i)FILENAME:\s*(.+?)(?:\n|$)`),
}

var (
	analysisPattern = regexp.MustCompile(`(?is)SCENE ANALYSIS:\s*(.+?)(?:\nDNDSTYLE IMAGE PROMPT:|\nIMAGE PROMPT:|$)`)
	inlineDndstyle  = regexp.MustCompile(`(?i)(dndstyle[^.!?\n]+)`)
	leadingStars    = regexp.MustCompile(`^\*+\s*`)
)

// ParseSceneVision turns a raw model answer into a SceneVision. JSON answers
// win; otherwise the labelled-section patterns run, and as a last resort the
// fixed fallback prompt is returned so the pipeline never stalls on a
// confused model.
func ParseSceneVision(raw string) SceneVision {
	clean := StripThink(raw)

	var vision SceneVision
	if err := json.Unmarshal([]byte(clean), &vision); err == nil && strings.TrimSpace(vision.DndstylePrompt) != "" {
		vision.Structured = true
		vision.DndstylePrompt = strings.TrimSpace(vision.DndstylePrompt)
		if vision.Szenenbeschreibung == "" {
			vision.Szenenbeschreibung = FallbackDescription
		}
		if vision.Stimmung == "" {
			vision.Stimmung = FallbackMood
		}
		return vision
	}

	vision = SceneVision{}

	for _, re := range promptPatterns {
		if m := re.FindStringSubmatch(clean); m != nil {
			vision.DndstylePrompt = leadingStars.ReplaceAllString(strings.TrimSpace(m[1]), "")
			break
		}
	}
	for _, re := range namePatterns {
		if m := re.FindStringSubmatch(clean); m != nil {
			vision.ImageName = strings.TrimSpace(m[1])
			break
		}
	}
	if m := analysisPattern.FindStringSubmatch(clean); m != nil {
		vision.Szenenbeschreibung = strings.TrimSpace(m[1])
	}

	if vision.DndstylePrompt == "" {
		if m := inlineDndstyle.FindStringSubmatch(clean); m != nil {
			vision.DndstylePrompt = strings.TrimSpace(m[1])
			if vision.ImageName == "" {
				vision.ImageName = GenericName
			}
		} else {
			vision.DndstylePrompt = FallbackPrompt
			vision.ImageName = FallbackName
		}
	}
	if vision.Szenenbeschreibung == "" {
		vision.Szenenbeschreibung = FallbackDescription
	}
	if vision.Stimmung == "" {
		vision.Stimmung = FallbackMood
	}
	return vision
}
