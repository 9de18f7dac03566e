// SPDX-License-Identifier: MIT

package llm

import (
	"fmt"
	"strings"
)

// Trigger is the LoRA trigger token every image prompt must carry.
const Trigger = "dndstyle"

// TriggerPrefix is the canonical opening of a well-formed image prompt.
const TriggerPrefix = "dndstyle illustration of"

// SystemPrompt instructs the model to answer as a single JSON object. The
// scene description stays German for the table, the image prompt is English
// for the diffusion model.
const SystemPrompt = `Du bist ein kreativer Assistent für die Visualisierung von Dungeons & Dragons Szenen.

Deine Aufgabe ist es, basierend auf einem Transkript-Ausschnitt:
1. Eine detaillierte deutsche Szenenbeschreibung zu erstellen
2. Einen englischen DNDSTYLE Prompt für die Bildgenerierung zu erstellen

Antworte IMMER im folgenden JSON-Format:
{
    "szenenbeschreibung": "Detaillierte Beschreibung der Szene auf Deutsch, die die Atmosphäre, Charaktere und wichtige visuelle Elemente erfasst",
    "dndstyle_prompt": "dndstyle illustration of [englische Bildbeschreibung mit Details zu Charakteren, Umgebung, Beleuchtung und Atmosphäre]",
    "wichtige_elemente": ["Element 1", "Element 2", "Element 3"],
    "stimmung": "Die vorherrschende Stimmung der Szene"
}

Wichtig: Der dndstyle_prompt MUSS mit "dndstyle illustration of" beginnen und auf Englisch sein!`

// BuildUserPrompt wraps the timestamped transcript segments for the model.
func BuildUserPrompt(segmentsText string) string {
	return fmt.Sprintf(`Analysiere folgendes D&D Session-Transkript und erstelle eine Visualisierung:

%s

Erstelle basierend auf diesem Transkript eine detaillierte Szenenbeschreibung und einen Bildgenerierungs-Prompt.`, segmentsText)
}

// HasTrigger reports whether the prompt carries the trigger token.
func HasTrigger(prompt string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(prompt)), Trigger)
}

// EnsureTrigger returns the prompt with the trigger prefix prepended when the
// model forgot it. Prompts that already start with the token pass unchanged.
func EnsureTrigger(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return FallbackPrompt
	}
	if HasTrigger(prompt) {
		return prompt
	}
	return TriggerPrefix + " " + prompt
}
