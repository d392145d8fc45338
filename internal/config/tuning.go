// Package config loads the tuning parameters for detection batching
// and tracking from a JSON file, with per-field fallback defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning
// parameters. The schema matches the /api/config endpoint so the same
// JSON serves both startup configuration and runtime inspection.
// Fields omitted from the JSON retain their defaults, so partial
// configs are safe.
type TuningConfig struct {
	// Batching params
	BatchWindow  *string `json:"batch_window,omitempty"` // duration string like "10s"
	MaxBatchSize *int    `json:"max_batch_size,omitempty"`

	// Tracker params
	TrackExpiryFrames *int     `json:"track_expiry_frames,omitempty"`
	IoUThreshold      *float64 `json:"iou_threshold,omitempty"`

	// Delivery params
	SlackWebhookURL *string `json:"slack_webhook_url,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from a file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file
// must have a .json extension and stay under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath, searching the current directory and common parent
// directories. Panics if the file cannot be loaded — intended for
// tests and binaries that have already validated config availability.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/vi/batch/
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.BatchWindow != nil && *c.BatchWindow != "" {
		d, err := time.ParseDuration(*c.BatchWindow)
		if err != nil {
			return fmt.Errorf("invalid batch_window '%s': %w", *c.BatchWindow, err)
		}
		if d <= 0 {
			return fmt.Errorf("batch_window must be positive, got %s", d)
		}
	}

	if c.MaxBatchSize != nil && *c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be at least 1, got %d", *c.MaxBatchSize)
	}

	if c.TrackExpiryFrames != nil && *c.TrackExpiryFrames < 0 {
		return fmt.Errorf("track_expiry_frames must be non-negative, got %d", *c.TrackExpiryFrames)
	}

	if c.IoUThreshold != nil {
		if *c.IoUThreshold < 0 || *c.IoUThreshold > 1 {
			return fmt.Errorf("iou_threshold must be between 0 and 1, got %f", *c.IoUThreshold)
		}
	}

	return nil
}

// GetBatchWindow parses and returns the BatchWindow as a time.Duration.
func (c *TuningConfig) GetBatchWindow() time.Duration {
	if c.BatchWindow == nil || *c.BatchWindow == "" {
		return 10 * time.Second // default
	}
	d, err := time.ParseDuration(*c.BatchWindow)
	if err != nil {
		return 10 * time.Second // default on parse error
	}
	return d
}

// GetMaxBatchSize returns the max_batch_size value or the default.
func (c *TuningConfig) GetMaxBatchSize() int {
	if c.MaxBatchSize == nil {
		return 1000
	}
	return *c.MaxBatchSize
}

// GetTrackExpiryFrames returns the track_expiry_frames value or the default.
func (c *TuningConfig) GetTrackExpiryFrames() int {
	if c.TrackExpiryFrames == nil {
		return 30
	}
	return *c.TrackExpiryFrames
}

// GetIoUThreshold returns the iou_threshold value or the default.
func (c *TuningConfig) GetIoUThreshold() float64 {
	if c.IoUThreshold == nil {
		return 0.3
	}
	return *c.IoUThreshold
}

// GetSlackWebhookURL returns the configured webhook URL, falling back
// to the SLACK_WEBHOOK_URL environment variable. An empty result means
// delivery to Slack is disabled.
func (c *TuningConfig) GetSlackWebhookURL() string {
	if c.SlackWebhookURL != nil && *c.SlackWebhookURL != "" {
		return *c.SlackWebhookURL
	}
	return os.Getenv("SLACK_WEBHOOK_URL")
}
