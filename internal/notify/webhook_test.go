// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/trailwatch/internal/detection"
)

func sampleAnomaly(kind detection.Kind) *detection.Anomaly {
	return &detection.Anomaly{
		EntityID:   "T1",
		Timestamp:  time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC),
		Lat:        12.98,
		Lon:        77.60,
		Kind:       kind,
		Detail:     "Deviated 450m from planned route",
		Confidence: 2.25,
	}
}

func TestWebhookEnabled(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"with url", "https://hooks.example/x", true},
		{"without url", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewWebhookNotifier(WebhookConfig{URL: tt.url})
			if got := n.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}

	n := NewWebhookNotifier(WebhookConfig{URL: "https://hooks.example/x"})
	n.SetEnabled(false)
	if n.Enabled() {
		t.Error("Enabled() after SetEnabled(false) = true")
	}
	if n.Name() != "webhook" {
		t.Errorf("Name() = %q", n.Name())
	}
}

func TestWebhookSend(t *testing.T) {
	var got WebhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer abc"},
	})
	if err := n.Send(context.Background(), sampleAnomaly(detection.KindDeviation)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if auth != "Bearer abc" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.EventType != "anomaly_detected" || got.Source != "trailwatch" {
		t.Errorf("envelope = %+v", got)
	}
	if got.Severity != detection.SeverityCritical {
		t.Errorf("Severity = %q, want critical", got.Severity)
	}
	if got.Anomaly.TouristID != "T1" || got.Anomaly.Type != detection.KindDeviation {
		t.Errorf("anomaly = %+v", got.Anomaly)
	}
	if got.Anomaly.Timestamp != "2024-01-01T10:05:00" {
		t.Errorf("Timestamp = %q", got.Anomaly.Timestamp)
	}
}

func TestWebhookSeverityFilter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, MinSeverity: detection.SeverityWarning})

	if err := n.Send(context.Background(), sampleAnomaly(detection.KindPattern)); !errors.Is(err, ErrFiltered) {
		t.Errorf("pattern anomaly Send() = %v, want ErrFiltered", err)
	}
	if err := n.Send(context.Background(), sampleAnomaly(detection.KindStop)); err != nil {
		t.Errorf("stop anomaly Send() = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
}

func TestWebhookServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL})
	err := n.Send(context.Background(), sampleAnomaly(detection.KindStop))
	if err == nil {
		t.Fatal("Send() error = nil, want status error")
	}
}

func TestWebhookBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, RatePerSecond: 1000, Burst: 10})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = n.Send(ctx, sampleAnomaly(detection.KindStop))
	}
	if n.State() != "open" {
		t.Fatalf("State() = %q after 5 failures, want open", n.State())
	}
	if err := n.Send(ctx, sampleAnomaly(detection.KindStop)); err == nil {
		t.Error("Send() with open breaker should fail")
	}
	if calls.Load() != 5 {
		t.Errorf("server calls = %d, want 5", calls.Load())
	}
}

func TestWebhookCancelledWhileLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, RatePerSecond: 0.001, Burst: 1})
	if err := n.Send(context.Background(), sampleAnomaly(detection.KindStop)); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.Send(ctx, sampleAnomaly(detection.KindStop)); err == nil {
		t.Error("Send() should fail when the limiter wait outlives ctx")
	}
}
