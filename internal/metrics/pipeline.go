// SPDX-License-Identifier: MIT

// Package metrics holds the prometheus collectors for the visualizer
// pipeline. All collectors register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	transcriptsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scenevis_transcripts_detected_total",
		Help: "Transcript files picked up by the reconciler, by kind",
	}, []string{"kind"}) // kind=new|modified|removed

	scenesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scenevis_scenes_processed_total",
		Help: "Scene processing runs by outcome",
	}, []string{"outcome"}) // outcome=completed|failed|fallback

	sceneDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scenevis_scene_duration_seconds",
		Help:    "End-to-end processing time per scene",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	llmRequestSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scenevis_llm_request_seconds",
		Help:    "Scene analysis request latency against the LLM host",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	imageRequestSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scenevis_image_request_seconds",
		Help:    "Image generation request latency against the render server",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	})

	trackedTranscripts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scenevis_tracked_transcripts",
		Help: "Transcripts in the tracking file by status (last sync)",
	}, []string{"status"})

	// Reconciler metrics
	reconcilePassesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenevis_reconcile_passes_total",
		Help: "Completed reconcile passes",
	})

	reconcileErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scenevis_reconcile_errors_total",
		Help: "Reconcile passes that ended in an error",
	})

	reconcilePassSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scenevis_reconcile_pass_seconds",
		Help:    "Duration of one reconcile pass",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	// Dependency health
	dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scenevis_dependency_up",
		Help: "Whether a dependency answered its last health probe (1) or not (0)",
	}, []string{"dependency"}) // dependency=llm|image_server
)

func IncTranscriptDetected(kind string) { transcriptsDetected.WithLabelValues(kind).Inc() }
func IncSceneProcessed(outcome string)  { scenesProcessed.WithLabelValues(outcome).Inc() }

func ObserveSceneDuration(seconds float64) { sceneDurationSeconds.Observe(seconds) }
func ObserveLLMRequest(seconds float64)    { llmRequestSeconds.Observe(seconds) }
func ObserveImageRequest(seconds float64)  { imageRequestSeconds.Observe(seconds) }

// RecordTrackedTranscripts replaces the per-status gauge with the counts of
// the latest sync.
func RecordTrackedTranscripts(byStatus map[string]int) {
	trackedTranscripts.Reset()
	for status, n := range byStatus {
		trackedTranscripts.WithLabelValues(status).Set(float64(n))
	}
}

func IncReconcilePass()                    { reconcilePassesTotal.Inc() }
func IncReconcileError()                   { reconcileErrorsTotal.Inc() }
func ObserveReconcilePass(seconds float64) { reconcilePassSeconds.Observe(seconds) }

func SetDependencyUp(dependency string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	dependencyUp.WithLabelValues(dependency).Set(v)
}
