// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order; the first existing file wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/trailwatch/config.yaml",
	"/etc/trailwatch/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            5001,
			Host:            "0.0.0.0",
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBatchPoints:  100000,
		},
		Detection: DetectionConfig{
			StopThresholdMinutes:     5,
			StopRadiusMeters:         10,
			DeviationThresholdMeters: 200,
			SinglePointWindow:        60 * time.Second,
			ReferencePath:            DefaultReferencePath,
			NotifyQueueSize:          256,
		},
		History: HistoryConfig{
			Capacity: 100,
		},
		Model: ModelConfig{
			Enabled:        true,
			Estimators:     100,
			MaxSamples:     256,
			Contamination:  0.1,
			Seed:           42,
			TrainOnStartup: true,
			TrainInterval:  time.Hour,
			TrainTimeout:   5 * time.Minute,
			SeedDataPath:   "",
			RetrainOnBatch: false,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Path:      "/data/trailwatch/archive",
			Retention: 7 * 24 * time.Hour,
			Rehydrate: true,
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: false,
			EmbeddedPort:   4222,
			PingSubject:    "trailwatch.pings",
			AnomalyPrefix:  "trailwatch.anomalies",
			QueueGroup:     "trailwatch",
			Subscribers:    2,
			AckTimeout:     30 * time.Second,
			DedupCapacity:  10000,
			DedupTTL:       10 * time.Minute,
		},
		Notify: NotifyConfig{
			WebhookURL:    "",
			RatePerSecond: 2,
			Burst:         5,
			Timeout:       10 * time.Second,
			MinSeverity:   "warning",
		},
		Security: SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   600,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: struct defaults, then the first config
// file found, then environment variables. The result is validated.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields splits comma-separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps lower-cased environment variable names to koanf paths.
// Unlisted variables are ignored.
var envMappings = map[string]string{
	"http_port":             "server.port",
	"http_host":             "server.host",
	"http_timeout":          "server.timeout",
	"http_shutdown_timeout": "server.shutdown_timeout",
	"max_batch_points":      "server.max_batch_points",

	"stop_threshold_minutes":     "detection.stop_threshold_minutes",
	"stop_radius_meters":         "detection.stop_radius_meters",
	"deviation_threshold_meters": "detection.deviation_threshold_meters",
	"single_point_window":        "detection.single_point_window",
	"reference_path":             "detection.reference_path",
	"notify_queue_size":          "detection.notify_queue_size",

	"history_capacity": "history.capacity",

	"model_enabled":          "model.enabled",
	"model_estimators":       "model.estimators",
	"model_max_samples":      "model.max_samples",
	"model_contamination":    "model.contamination",
	"model_seed":             "model.seed",
	"model_train_on_startup": "model.train_on_startup",
	"model_train_interval":   "model.train_interval",
	"model_train_timeout":    "model.train_timeout",
	"seed_data_path":         "model.seed_data_path",
	"retrain_on_batch":       "model.retrain_on_batch",

	"archive_enabled":   "archive.enabled",
	"archive_path":      "archive.path",
	"archive_retention": "archive.retention",
	"archive_rehydrate": "archive.rehydrate",

	"nats_enabled":        "nats.enabled",
	"nats_url":            "nats.url",
	"nats_embedded":       "nats.embedded_server",
	"nats_embedded_port":  "nats.embedded_port",
	"nats_ping_subject":   "nats.ping_subject",
	"nats_anomaly_prefix": "nats.anomaly_prefix",
	"nats_queue_group":    "nats.queue_group",
	"nats_subscribers":    "nats.subscribers",
	"nats_ack_timeout":    "nats.ack_timeout",
	"nats_dedup_capacity": "nats.dedup_capacity",
	"nats_dedup_ttl":      "nats.dedup_ttl",

	"webhook_url":          "notify.webhook_url",
	"webhook_rate":         "notify.rate_per_second",
	"webhook_burst":        "notify.burst",
	"webhook_timeout":      "notify.timeout",
	"webhook_min_severity": "notify.min_severity",

	"cors_origins":        "security.cors_origins",
	"rate_limit_requests": "security.rate_limit_reqs",
	"rate_limit_window":   "security.rate_limit_window",
	"disable_rate_limit":  "security.rate_limit_disabled",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
