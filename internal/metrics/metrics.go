// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection

	PingsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailwatch_pings_processed_total",
			Help: "Pings evaluated, by path (single, batch)",
		},
		[]string{"path"},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailwatch_anomalies_total",
			Help: "Anomalies raised, by kind and path",
		},
		[]string{"kind", "path"},
	)

	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trailwatch_detection_duration_seconds",
			Help:    "Time spent evaluating a ping or batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"path"},
	)

	// History

	HistoryEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trailwatch_history_entities",
			Help: "Entities with buffered history",
		},
	)

	HistoryPoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trailwatch_history_points",
			Help: "Pings held in history buffers",
		},
	)

	// Pattern model

	ModelTrainings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailwatch_model_trainings_total",
			Help: "Pattern model fits, by scope (shared, batch) and result",
		},
		[]string{"scope", "result"},
	)

	ModelTrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trailwatch_model_training_duration_seconds",
			Help:    "Duration of pattern model fits",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	ModelVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trailwatch_model_version",
			Help: "Version of the installed shared pattern model (0 when untrained)",
		},
	)

	ModelTrainingRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trailwatch_model_training_rows",
			Help: "Feature rows used by the installed shared model",
		},
	)

	// Notification

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailwatch_notifications_total",
			Help: "Anomaly notifications, by notifier and result",
		},
		[]string{"notifier", "result"},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailwatch_notifications_dropped_total",
			Help: "Anomalies not queued for notification because the queue was full",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trailwatch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// NATS ingestion

	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailwatch_ingest_messages_total",
			Help: "Ping messages received over NATS, by result (ok, invalid, duplicate, published, publish_error)",
		},
		[]string{"result"},
	)

	// Archive

	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailwatch_archive_writes_total",
			Help: "Pings written to the archive, by result",
		},
		[]string{"result"},
	)

	// API

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailwatch_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trailwatch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trailwatch_api_active_requests",
			Help: "Current number of in-flight API requests",
		},
	)
)

// RecordDetection records one evaluation of n pings on path.
func RecordDetection(path string, n int, kinds []string, duration time.Duration) {
	PingsProcessed.WithLabelValues(path).Add(float64(n))
	DetectionDuration.WithLabelValues(path).Observe(duration.Seconds())
	for _, k := range kinds {
		AnomaliesDetected.WithLabelValues(k, path).Inc()
	}
}

// RecordTraining records a model fit. version and rows are only applied to
// the gauges for successful shared fits.
func RecordTraining(scope string, duration time.Duration, err error, version int64, rows int) {
	result := "success"
	if err != nil {
		result = "error"
	}
	ModelTrainings.WithLabelValues(scope, result).Inc()
	ModelTrainingDuration.Observe(duration.Seconds())
	if err == nil && scope == "shared" {
		ModelVersion.Set(float64(version))
		ModelTrainingRows.Set(float64(rows))
	}
}

// UpdateHistoryGauges sets the history gauges.
func UpdateHistoryGauges(entities, points int) {
	HistoryEntities.Set(float64(entities))
	HistoryPoints.Set(float64(points))
}

// RecordNotification records a delivery attempt.
func RecordNotification(notifier string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	NotificationsSent.WithLabelValues(notifier, result).Inc()
}

// RecordIngest records the outcome of a NATS message.
func RecordIngest(result string) {
	IngestMessages.WithLabelValues(result).Inc()
}

// RecordArchiveWrite records an archive append.
func RecordArchiveWrite(err error) {
	if err != nil {
		ArchiveWrites.WithLabelValues("error").Inc()
		return
	}
	ArchiveWrites.WithLabelValues("success").Inc()
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the in-flight gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
