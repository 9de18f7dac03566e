// SPDX-License-Identifier: MIT

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tsommer/dndscene/internal/telemetry"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "llama3:8b", "llama3:8b", DefaultOptions(), 5*time.Second, 3, 10*time.Millisecond)
}

func ollamaStub(t *testing.T, models []string, generate func(w http.ResponseWriter, req generateRequest)) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"version": "0.6.1"})
	})
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) {
		type m struct {
			Name string `json:"name"`
		}
		list := make([]m, 0, len(models))
		for _, name := range models {
			list = append(list, m{Name: name})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": list})
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		generate(w, req)
	})
	return mux
}

func TestCheckHealth(t *testing.T) {
	c := newTestClient(t, ollamaStub(t, []string{"llama3:8b", "nomic-embed-text"}, nil))
	assert.NoError(t, c.CheckHealth(context.Background()))
}

func TestCheckHealthMatchesBaseName(t *testing.T) {
	c := newTestClient(t, ollamaStub(t, []string{"llama3:latest"}, nil))
	assert.NoError(t, c.CheckHealth(context.Background()))
}

func TestCheckHealthModelMissing(t *testing.T) {
	c := newTestClient(t, ollamaStub(t, []string{"mistral:7b"}, nil))
	assert.ErrorIs(t, c.CheckHealth(context.Background()), ErrModelMissing)
}

func TestCheckHealthUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "m", "m", DefaultOptions(), time.Second, 1, 0)
	assert.Error(t, c.CheckHealth(context.Background()))
}

func TestGenerateSendsJSONFormat(t *testing.T) {
	c := newTestClient(t, ollamaStub(t, nil, func(w http.ResponseWriter, req generateRequest) {
		assert.Equal(t, "llama3:8b", req.Model)
		assert.Equal(t, "json", req.Format)
		assert.False(t, req.Stream)
		assert.InDelta(t, 0.7, req.Options.Temperature, 1e-9)
		assert.Equal(t, 1500, req.Options.NumPredict)
		assert.Equal(t, SystemPrompt, req.System)
		_ = json.NewEncoder(w).Encode(generateResponse{Response: `{"ok":true}`, Done: true})
	}))

	text, err := c.Generate(context.Background(), SystemPrompt, "user prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, text)
}

func TestGenerateRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, ollamaStub(t, nil, func(w http.ResponseWriter, _ generateRequest) {
		if calls.Add(1) < 3 {
			http.Error(w, "loading model", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "late answer", Done: true})
	}))

	text, err := c.Generate(context.Background(), "", "p")
	require.NoError(t, err)
	assert.Equal(t, "late answer", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, ollamaStub(t, nil, func(w http.ResponseWriter, _ generateRequest) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.Generate(context.Background(), "", "p")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateEmptyResponse(t *testing.T) {
	c := newTestClient(t, ollamaStub(t, nil, func(w http.ResponseWriter, _ generateRequest) {
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "  ", Done: true})
	}))

	_, err := c.Generate(context.Background(), "", "p")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGenerateRecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	c := newTestClient(t, ollamaStub(t, nil, func(w http.ResponseWriter, _ generateRequest) {
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "answer", Done: true})
	}))
	_, err := c.Generate(context.Background(), "sys", "user")
	require.NoError(t, err)

	// The otelhttp transport adds its own client span; find ours by name.
	var found bool
	for _, span := range exporter.GetSpans() {
		if span.Name != "llm.generate" {
			continue
		}
		found = true
		attrs := make(map[string]attribute.Value)
		for _, kv := range span.Attributes {
			attrs[string(kv.Key)] = kv.Value
		}
		assert.Equal(t, "llama3:8b", attrs[telemetry.LLMModelKey].AsString())
		assert.EqualValues(t, len("sys")+len("user"), attrs[telemetry.LLMPromptCharsKey].AsInt64())
		assert.EqualValues(t, len("answer"), attrs[telemetry.LLMResponseCharsKey].AsInt64())
	}
	assert.True(t, found)
}
