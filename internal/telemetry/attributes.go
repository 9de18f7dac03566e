// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the pipeline spans.
const (
	SceneNameKey       = "scene.name"
	SceneTranscriptKey = "scene.transcript"
	SceneStatusKey     = "scene.status"
	SceneAttemptsKey   = "scene.attempts"

	LLMModelKey         = "llm.model"
	LLMStructuredKey    = "llm.structured"
	LLMPromptCharsKey   = "llm.prompt_chars"
	LLMResponseCharsKey = "llm.response_chars"

	ImageFileKey       = "image.file"
	ImageInferenceSKey = "image.inference_s"

	JobIDKey = "job.id"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// SceneAttributes describes one scene processing span.
func SceneAttributes(name, transcript, status string, attempts int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SceneNameKey, name),
		attribute.String(SceneTranscriptKey, transcript),
		attribute.String(SceneStatusKey, status),
		attribute.Int(SceneAttemptsKey, attempts),
	}
}

// LLMAttributes describes one model request span. Whether the answer turned
// out structured is only known after parsing, so the scene span carries
// LLMStructuredKey separately.
func LLMAttributes(model string, promptChars, responseChars int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(LLMModelKey, model),
		attribute.Int(LLMPromptCharsKey, promptChars),
		attribute.Int(LLMResponseCharsKey, responseChars),
	}
}

// ImageAttributes describes one render request span.
func ImageAttributes(file string, inferenceSeconds float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ImageFileKey, file),
		attribute.Float64(ImageInferenceSKey, inferenceSeconds),
	}
}

// ErrorAttributes marks a span as failed.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
