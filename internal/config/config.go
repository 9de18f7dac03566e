// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration.
//
// The on-disk format is JSON and mirrors what the transcription web service
// and the image server already consume; unknown keys are ignored so the file
// may be shared between tools.
package config

import (
	"time"
)

// FallbackMode controls behaviour when the image server is unreachable at the
// start of a processing cycle.
type FallbackMode string

const (
	// FallbackSkip aborts the job without writing artifacts.
	FallbackSkip FallbackMode = "skip"
	// FallbackPromptOnly persists the prompt and metadata but no image.
	FallbackPromptOnly FallbackMode = "prompt_only"
	// FallbackMock writes a zero-byte placeholder image.
	FallbackMock FallbackMode = "mock"
)

// Config is the root configuration of the scenevis daemon.
type Config struct {
	TranscriptDir string `json:"transkript_directory"`
	SceneDir      string `json:"scene_directory"`
	OutputsDir    string `json:"outputs_directory"`
	LockFile      string `json:"lock_file"`
	LogLevel      string `json:"log_level"`

	Logging  Logging  `json:"logging"`
	Services Services `json:"services"`

	SyncIntervalSeconds        int `json:"sync_interval_seconds"`
	HealthcheckIntervalSeconds int `json:"healthcheck_interval_seconds"`

	StatusAPI StatusAPI `json:"status_api"`
	Telemetry Telemetry `json:"telemetry"`
}

// Logging configures the rotating log sinks.
type Logging struct {
	MainLogFile  string `json:"main_log_file"`
	ErrorLogFile string `json:"error_log_file"`
	LLMLogFile   string `json:"llm_log_file"`
	MaxLogSizeMB int    `json:"max_log_size_mb"`
	BackupCount  int    `json:"backup_count"`
}

// Services groups the two downstream service configurations.
type Services struct {
	LLM         LLM         `json:"ollama"`
	ImageServer ImageServer `json:"image_generation"`
}

// LLM configures the language model host and its supervisor.
type LLM struct {
	BaseURL            string  `json:"base_url"`
	Model              string  `json:"model"`
	RequiredModel      string  `json:"required_model"`
	Temperature        float64 `json:"temperature"`
	TopP               float64 `json:"top_p"`
	NumPredict         int     `json:"num_predict"`
	NumCtx             int     `json:"num_ctx"`
	TimeoutSeconds     int     `json:"timeout_seconds"`
	MaxRetries         int     `json:"max_retries"`
	RetryDelaySeconds  int     `json:"retry_delay_seconds"`
	LauncherScript     string  `json:"script_path"`
	StartupWaitSeconds int     `json:"startup_wait_seconds"`
}

// ImageServer configures the line-JSON TCP image generation service.
type ImageServer struct {
	Host                  string       `json:"host"`
	Port                  int          `json:"port"`
	ConnectTimeoutSeconds int          `json:"connect_timeout_seconds"`
	RequestTimeoutSeconds int          `json:"timeout_seconds"`
	MaxRetries            int          `json:"max_retries"`
	RetryDelaySeconds     int          `json:"retry_delay"`
	FallbackMode          FallbackMode `json:"fallback_mode"`
}

// StatusAPI configures the optional status/metrics HTTP listener.
type StatusAPI struct {
	Enabled         bool   `json:"enabled"`
	ListenAddr      string `json:"listen_addr"`
	RequestsPerMin  int    `json:"requests_per_minute"`
	ShutdownSeconds int    `json:"shutdown_seconds"`
}

// Telemetry configures the OpenTelemetry trace exporter.
type Telemetry struct {
	Enabled      bool    `json:"enabled"`
	ExporterType string  `json:"exporter_type"`
	Endpoint     string  `json:"endpoint"`
	SamplingRate float64 `json:"sampling_rate"`
}

// Default returns the built-in configuration, matching what is written to
// disk when no config file exists yet.
func Default() Config {
	return Config{
		TranscriptDir: "web/transkripte",
		SceneDir:      "web/scene",
		OutputsDir:    "outputs",
		LockFile:      "dnd_runner.lock",
		LogLevel:      "info",
		Logging: Logging{
			MainLogFile:  "scene_runner.log",
			ErrorLogFile: "scene_errors.log",
			LLMLogFile:   "ollama_service.log",
			MaxLogSizeMB: 10,
			BackupCount:  5,
		},
		Services: Services{
			LLM: LLM{
				BaseURL:            "http://127.0.0.1:11434",
				Model:              "deepseek-r1:8b",
				RequiredModel:      "deepseek-r1:8b",
				Temperature:        0.7,
				TopP:               0.9,
				NumPredict:         1500,
				NumCtx:             4096,
				TimeoutSeconds:     120,
				MaxRetries:         3,
				RetryDelaySeconds:  5,
				LauncherScript:     "start_ollama.sh",
				StartupWaitSeconds: 30,
			},
			ImageServer: ImageServer{
				Host:                  "127.0.0.1",
				Port:                  5555,
				ConnectTimeoutSeconds: 5,
				RequestTimeoutSeconds: 300,
				MaxRetries:            3,
				RetryDelaySeconds:     10,
				FallbackMode:          FallbackSkip,
			},
		},
		SyncIntervalSeconds:        3,
		HealthcheckIntervalSeconds: 30,
		StatusAPI: StatusAPI{
			Enabled:         false,
			ListenAddr:      "127.0.0.1:8090",
			RequestsPerMin:  120,
			ShutdownSeconds: 5,
		},
		Telemetry: Telemetry{
			Enabled:      false,
			ExporterType: "http",
			Endpoint:     "127.0.0.1:4318",
			SamplingRate: 1.0,
		},
	}
}

// SyncInterval returns the reconciliation cadence.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// HealthcheckInterval returns the healthcheck cadence.
func (c Config) HealthcheckInterval() time.Duration {
	return time.Duration(c.HealthcheckIntervalSeconds) * time.Second
}

// Timeout returns the per-request deadline of the LLM client.
func (l LLM) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// RetryDelay returns the backoff between LLM request attempts.
func (l LLM) RetryDelay() time.Duration {
	return time.Duration(l.RetryDelaySeconds) * time.Second
}

// StartupWait returns the grace period granted to the LLM host after launch.
func (l LLM) StartupWait() time.Duration {
	return time.Duration(l.StartupWaitSeconds) * time.Second
}

// ConnectTimeout returns the TCP dial timeout for the image server.
func (i ImageServer) ConnectTimeout() time.Duration {
	return time.Duration(i.ConnectTimeoutSeconds) * time.Second
}

// RequestTimeout returns the total per-request deadline for the image server.
func (i ImageServer) RequestTimeout() time.Duration {
	return time.Duration(i.RequestTimeoutSeconds) * time.Second
}

// RetryDelay returns the pause between image generation attempts.
func (i ImageServer) RetryDelay() time.Duration {
	return time.Duration(i.RetryDelaySeconds) * time.Second
}
