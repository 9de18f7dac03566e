// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
)

// Validation errors surfaced at startup.
var (
	ErrMissingTranscriptDir = errors.New("config: transkript_directory is required")
	ErrMissingSceneDir      = errors.New("config: scene_directory is required")
	ErrMissingModel         = errors.New("config: services.ollama.model is required")
	ErrMissingImageHost     = errors.New("config: services.image_generation.host is required")
	ErrBadImagePort         = errors.New("config: services.image_generation.port must be 1-65535")
	ErrBadFallbackMode      = errors.New("config: fallback_mode must be skip, prompt_only or mock")
)

// Load reads the configuration from path. If the file does not exist the
// defaults are written there and returned, so a first run leaves a config the
// operator can edit. A file that exists but cannot be parsed is an error; a
// missing required key fails fast.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		if err := writeDefault(path, cfg); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func writeDefault(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("write default config %s: %w", path, err)
	}
	return nil
}

// Validate checks the required keys and normalises defaults for optional ones.
func (c *Config) Validate() error {
	if c.TranscriptDir == "" {
		return ErrMissingTranscriptDir
	}
	if c.SceneDir == "" {
		return ErrMissingSceneDir
	}
	if c.Services.LLM.Model == "" {
		return ErrMissingModel
	}
	if c.Services.ImageServer.Host == "" {
		return ErrMissingImageHost
	}
	if p := c.Services.ImageServer.Port; p < 1 || p > 65535 {
		return ErrBadImagePort
	}
	switch c.Services.ImageServer.FallbackMode {
	case FallbackSkip, FallbackPromptOnly, FallbackMock:
	case "":
		c.Services.ImageServer.FallbackMode = FallbackSkip
	default:
		return ErrBadFallbackMode
	}

	if c.Services.LLM.RequiredModel == "" {
		c.Services.LLM.RequiredModel = c.Services.LLM.Model
	}
	if c.SyncIntervalSeconds <= 0 {
		c.SyncIntervalSeconds = Default().SyncIntervalSeconds
	}
	if c.HealthcheckIntervalSeconds <= 0 {
		c.HealthcheckIntervalSeconds = Default().HealthcheckIntervalSeconds
	}
	if c.Services.ImageServer.ConnectTimeoutSeconds <= 0 {
		c.Services.ImageServer.ConnectTimeoutSeconds = 5
	}
	if c.Services.ImageServer.RequestTimeoutSeconds <= 0 {
		c.Services.ImageServer.RequestTimeoutSeconds = 300
	}
	if c.Services.LLM.TimeoutSeconds <= 0 {
		c.Services.LLM.TimeoutSeconds = 120
	}
	if c.LockFile == "" {
		c.LockFile = Default().LockFile
	}
	return nil
}
