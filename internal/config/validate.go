// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks every section and joins all problems into one error.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.MaxBatchPoints < 1 {
		add("server.max_batch_points must be positive")
	}

	d := c.Detection
	if d.StopThresholdMinutes <= 0 {
		add("detection.stop_threshold_minutes must be positive")
	}
	if d.StopRadiusMeters <= 0 {
		add("detection.stop_radius_meters must be positive")
	}
	if d.DeviationThresholdMeters <= 0 {
		add("detection.deviation_threshold_meters must be positive")
	}
	if d.SinglePointWindow <= 0 {
		add("detection.single_point_window must be positive")
	}
	if _, err := c.Path(); err != nil {
		add("detection.reference_path: %w", err)
	}

	if c.History.Capacity < 1 {
		add("history.capacity must be positive")
	}

	if err := c.PatternConfig().Validate(); err != nil {
		add("model: %w", err)
	}
	if c.Model.TrainInterval < 0 {
		add("model.train_interval must not be negative")
	}

	if c.Archive.Enabled && strings.TrimSpace(c.Archive.Path) == "" {
		add("archive.path is required when the archive is enabled")
	}

	if c.NATS.Enabled {
		if c.NATS.PingSubject == "" {
			add("nats.ping_subject is required")
		}
		if !c.NATS.EmbeddedServer && c.NATS.URL == "" {
			add("nats.url is required without the embedded server")
		}
		if c.NATS.Subscribers < 1 {
			add("nats.subscribers must be positive")
		}
	}

	if c.Notify.WebhookURL != "" {
		u, err := url.Parse(c.Notify.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("notify.webhook_url must be an http(s) URL")
		}
		switch c.Notify.MinSeverity {
		case "", "info", "warning", "critical":
		default:
			add("notify.min_severity must be info, warning or critical")
		}
	}

	if !c.Security.RateLimitDisabled && (c.Security.RateLimitReqs < 1 || c.Security.RateLimitWindow <= 0) {
		add("security rate limit needs positive rate_limit_reqs and rate_limit_window")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		add("logging.format must be json or console")
	}

	return errors.Join(errs...)
}
