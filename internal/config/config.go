// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package config loads service configuration from defaults, an optional
// YAML file and environment variables, in increasing priority.
package config

import (
	"time"

	"github.com/tomtom215/trailwatch/internal/detection"
	"github.com/tomtom215/trailwatch/internal/geo"
	"github.com/tomtom215/trailwatch/internal/logging"
	"github.com/tomtom215/trailwatch/internal/pattern"
)

// DefaultReferencePath is the planned route used when none is configured.
const DefaultReferencePath = "12.9716,77.5946;12.9726,77.5956;12.9736,77.5966;12.9746,77.5976;12.9756,77.5986"

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Detection DetectionConfig `koanf:"detection"`
	History   HistoryConfig   `koanf:"history"`
	Model     ModelConfig     `koanf:"model"`
	Archive   ArchiveConfig   `koanf:"archive"`
	NATS      NATSConfig      `koanf:"nats"`
	Notify    NotifyConfig    `koanf:"notify"`
	Security  SecurityConfig  `koanf:"security"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	Host            string        `koanf:"host"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBatchPoints  int           `koanf:"max_batch_points"`
}

// DetectionConfig holds rule thresholds and the reference path.
type DetectionConfig struct {
	StopThresholdMinutes     float64       `koanf:"stop_threshold_minutes"`
	StopRadiusMeters         float64       `koanf:"stop_radius_meters"`
	DeviationThresholdMeters float64       `koanf:"deviation_threshold_meters"`
	SinglePointWindow        time.Duration `koanf:"single_point_window"`
	ReferencePath            string        `koanf:"reference_path"`
	NotifyQueueSize          int           `koanf:"notify_queue_size"`
}

// HistoryConfig bounds the in-memory per-entity history.
type HistoryConfig struct {
	Capacity int `koanf:"capacity"`
}

// ModelConfig holds pattern model hyperparameters and training schedule.
type ModelConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Estimators     int           `koanf:"estimators"`
	MaxSamples     int           `koanf:"max_samples"`
	Contamination  float64       `koanf:"contamination"`
	Seed           int64         `koanf:"seed"`
	TrainOnStartup bool          `koanf:"train_on_startup"`
	TrainInterval  time.Duration `koanf:"train_interval"`
	TrainTimeout   time.Duration `koanf:"train_timeout"`
	SeedDataPath   string        `koanf:"seed_data_path"`
	RetrainOnBatch bool          `koanf:"retrain_on_batch"`
}

// ArchiveConfig configures the Badger ping archive.
type ArchiveConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Path      string        `koanf:"path"`
	Retention time.Duration `koanf:"retention"`
	// Rehydrate refills history from the archive on startup.
	Rehydrate bool `koanf:"rehydrate"`
}

// NATSConfig configures ping ingestion over NATS.
type NATSConfig struct {
	Enabled        bool          `koanf:"enabled"`
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	EmbeddedPort   int           `koanf:"embedded_port"`
	PingSubject    string        `koanf:"ping_subject"`
	AnomalyPrefix  string        `koanf:"anomaly_prefix"`
	QueueGroup     string        `koanf:"queue_group"`
	Subscribers    int           `koanf:"subscribers"`
	AckTimeout     time.Duration `koanf:"ack_timeout"`
	DedupCapacity  int           `koanf:"dedup_capacity"`
	DedupTTL       time.Duration `koanf:"dedup_ttl"`
}

// NotifyConfig configures the anomaly webhook.
type NotifyConfig struct {
	WebhookURL     string            `koanf:"webhook_url"`
	WebhookHeaders map[string]string `koanf:"webhook_headers"`
	RatePerSecond  float64           `koanf:"rate_per_second"`
	Burst          int               `koanf:"burst"`
	Timeout        time.Duration     `koanf:"timeout"`
	MinSeverity    string            `koanf:"min_severity"`
}

// SecurityConfig holds CORS and rate limiting settings.
type SecurityConfig struct {
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// LoggingOptions converts to the logging package's config.
func (c *Config) LoggingOptions() logging.Config {
	return logging.Config{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		Caller:    c.Logging.Caller,
		Timestamp: true,
	}
}

// Path parses the configured reference path.
func (c *Config) Path() (*geo.ReferencePath, error) {
	return geo.ParseReferencePath(c.Detection.ReferencePath)
}

// PatternConfig returns the isolation forest hyperparameters.
func (c *Config) PatternConfig() pattern.Config {
	return pattern.Config{
		Estimators:    c.Model.Estimators,
		MaxSamples:    c.Model.MaxSamples,
		Contamination: c.Model.Contamination,
		Seed:          c.Model.Seed,
	}
}

// EngineConfig builds the detection engine configuration.
func (c *Config) EngineConfig() (detection.Config, error) {
	path, err := c.Path()
	if err != nil {
		return detection.Config{}, err
	}
	return detection.Config{
		Stop: detection.StopConfig{
			ThresholdMinutes: c.Detection.StopThresholdMinutes,
			RadiusMeters:     c.Detection.StopRadiusMeters,
		},
		Deviation: detection.DeviationConfig{
			ThresholdMeters: c.Detection.DeviationThresholdMeters,
		},
		Path:              path,
		Model:             c.PatternConfig(),
		SinglePointWindow: c.Detection.SinglePointWindow,
		HistoryCapacity:   c.History.Capacity,
		RetrainOnBatch:    c.Model.RetrainOnBatch,
		NotifyQueueSize:   c.Detection.NotifyQueueSize,
	}, nil
}
