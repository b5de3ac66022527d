// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package notify delivers anomalies to external systems.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/trailwatch/internal/detection"
	"github.com/tomtom215/trailwatch/internal/logging"
	"github.com/tomtom215/trailwatch/internal/metrics"
)

// ErrFiltered is returned by Send when an anomaly is below MinSeverity.
var ErrFiltered = fmt.Errorf("below minimum severity: %w", detection.ErrNotificationSkipped)

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	URL           string
	Headers       map[string]string
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	MinSeverity   detection.Severity
}

// WebhookPayload is the JSON body posted for each anomaly.
type WebhookPayload struct {
	EventType string             `json:"event_type"`
	Source    string             `json:"source"`
	Severity  detection.Severity `json:"severity"`
	SentAt    time.Time          `json:"sent_at"`
	Anomaly   anomalyBody        `json:"anomaly"`
}

type anomalyBody struct {
	TouristID  string         `json:"tourist_id"`
	Timestamp  string         `json:"timestamp"`
	Lat        float64        `json:"lat"`
	Lon        float64        `json:"lon"`
	Type       detection.Kind `json:"type"`
	Reason     string         `json:"reason"`
	Confidence float64        `json:"confidence"`
}

// WebhookNotifier posts anomalies to an HTTP endpoint. Deliveries are rate
// limited and pass through a circuit breaker so a dead endpoint does not
// stall the dispatcher.
type WebhookNotifier struct {
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[struct{}]

	mu          sync.RWMutex
	url         string
	headers     map[string]string
	enabled     bool
	minSeverity detection.Severity
}

const breakerName = "webhook"

// NewWebhookNotifier creates a notifier. It is enabled when URL is set.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = detection.SeverityInfo
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &WebhookNotifier{
		client:      &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cb:          cb,
		url:         cfg.URL,
		headers:     headers,
		enabled:     cfg.URL != "",
		minSeverity: cfg.MinSeverity,
	}
}

// Name returns "webhook".
func (n *WebhookNotifier) Name() string {
	return "webhook"
}

// Enabled reports whether the notifier has somewhere to send.
func (n *WebhookNotifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled && n.url != ""
}

// SetEnabled toggles delivery.
func (n *WebhookNotifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// State returns the circuit breaker state name.
func (n *WebhookNotifier) State() string {
	return n.cb.State().String()
}

// Send posts one anomaly. It waits for the rate limiter, so it blocks at most
// until ctx is done.
func (n *WebhookNotifier) Send(ctx context.Context, a *detection.Anomaly) error {
	n.mu.RLock()
	url, enabled, minSeverity := n.url, n.enabled, n.minSeverity
	headers := make(map[string]string, len(n.headers))
	for k, v := range n.headers {
		headers[k] = v
	}
	n.mu.RUnlock()

	if !enabled || url == "" {
		return nil
	}
	if severityRank(a.Kind.Severity()) < severityRank(minSeverity) {
		return ErrFiltered
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	body, err := json.Marshal(WebhookPayload{
		EventType: "anomaly_detected",
		Source:    "trailwatch",
		Severity:  a.Kind.Severity(),
		SentAt:    time.Now().UTC(),
		Anomaly: anomalyBody{
			TouristID:  a.EntityID,
			Timestamp:  detection.FormatTimestamp(a.Timestamp),
			Lat:        a.Lat,
			Lon:        a.Lon,
			Type:       a.Kind,
			Reason:     a.Detail,
			Confidence: a.Confidence,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	_, err = n.cb.Execute(func() (struct{}, error) {
		return struct{}{}, n.post(ctx, url, headers, body)
	})
	return err
}

func (n *WebhookNotifier) post(ctx context.Context, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func severityRank(s detection.Severity) int {
	switch s {
	case detection.SeverityCritical:
		return 2
	case detection.SeverityWarning:
		return 1
	default:
		return 0
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
