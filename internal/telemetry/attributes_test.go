// SPDX-License-Identifier: MIT

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func findAttr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSceneAttributes(t *testing.T) {
	attrs := SceneAttributes("scene_a", "scene_a_transkript.txt", "completed", 2)

	v, ok := findAttr(attrs, SceneNameKey)
	assert.True(t, ok)
	assert.Equal(t, "scene_a", v.AsString())

	v, ok = findAttr(attrs, SceneAttemptsKey)
	assert.True(t, ok)
	assert.EqualValues(t, 2, v.AsInt64())
}

func TestLLMAttributes(t *testing.T) {
	attrs := LLMAttributes("llama3:8b", 1200, 480)

	v, ok := findAttr(attrs, LLMModelKey)
	assert.True(t, ok)
	assert.Equal(t, "llama3:8b", v.AsString())

	v, ok = findAttr(attrs, LLMResponseCharsKey)
	assert.True(t, ok)
	assert.EqualValues(t, 480, v.AsInt64())
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes("image_unreachable")

	v, ok := findAttr(attrs, ErrorKey)
	assert.True(t, ok)
	assert.True(t, v.AsBool())

	v, ok = findAttr(attrs, ErrorTypeKey)
	assert.True(t, ok)
	assert.Equal(t, "image_unreachable", v.AsString())
}
