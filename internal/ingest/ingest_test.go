// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/trailwatch/internal/detection"
)

type fakeProcessor struct {
	mu     sync.Mutex
	pings  []detection.Ping
	result []detection.Anomaly
}

func (f *fakeProcessor) Ingest(_ context.Context, p detection.Ping) []detection.Anomaly {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, p)
	return f.result
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pings)
}

func newMessage(t *testing.T, body string) *message.Message {
	t.Helper()
	return message.NewMessage(watermill.NewUUID(), []byte(body))
}

func TestHandleInvalidMessagesAreAcked(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewHandler(proc, nil, "anomalies", nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{`},
		{"bad latitude", `{"tourist_id":1,"lat":123,"lon":0,"timestamp":"2024-01-15T10:30:00"}`},
		{"bad timestamp", `{"tourist_id":1,"lat":1,"lon":0,"timestamp":"noon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.Handle(newMessage(t, tt.body)); err != nil {
				t.Errorf("Handle() error = %v, want nil", err)
			}
		})
	}
	if proc.count() != 0 {
		t.Errorf("processor saw %d pings, want 0", proc.count())
	}
}

func TestHandlePublishesAnomalies(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	defer pubsub.Close()

	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	proc := &fakeProcessor{result: []detection.Anomaly{{
		EntityID: "7", Timestamp: ts, Lat: 13, Lon: 77, Kind: detection.KindDeviation,
		Detail: "Deviated 900m from planned route", Confidence: 3,
	}}}
	h := NewHandler(proc, pubsub, "anomalies", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := pubsub.Subscribe(ctx, h.AnomalyTopic(detection.KindDeviation))
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Handle(newMessage(t, `{"tourist_id":7,"lat":13,"lon":77,"timestamp":"2024-01-15T10:30:00"}`)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if proc.count() != 1 || proc.pings[0].EntityID != "7" {
		t.Fatalf("processor pings = %+v", proc.pings)
	}

	select {
	case msg := <-out:
		msg.Ack()
		var got detection.AnomalyMessage
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatalf("decode anomaly: %v", err)
		}
		if got.TouristID != "7" || got.Type != detection.KindDeviation || got.Timestamp != "2024-01-15T10:30:00" {
			t.Errorf("anomaly = %+v", got)
		}
		if msg.Metadata.Get("severity") != "critical" {
			t.Errorf("severity metadata = %q", msg.Metadata.Get("severity"))
		}
	case <-ctx.Done():
		t.Fatal("no anomaly published")
	}
}

func TestServiceEndToEnd(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubsub.Close()

	proc := &fakeProcessor{}
	h := NewHandler(proc, pubsub, "anomalies", nil)
	svc, err := NewService(Config{PingTopic: "pings"}, pubsub, h, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	select {
	case <-svc.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	body := `{"tourist_id":"A","lat":12.97,"lon":77.59,"timestamp":"2024-01-15 10:30:00"}`
	if err := pubsub.Publish("pings", message.NewMessage(watermill.NewUUID(), []byte(body))); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for proc.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if proc.count() != 1 {
		t.Fatalf("processor saw %d pings, want 1", proc.count())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNewServiceRequiresTopic(t *testing.T) {
	if _, err := NewService(Config{}, nil, NewHandler(&fakeProcessor{}, nil, "a", nil), nil); err == nil {
		t.Error("NewService() without topic should fail")
	}
}

func TestEmbeddedServer(t *testing.T) {
	srv, err := NewEmbeddedServer("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("NewEmbeddedServer() error = %v", err)
	}
	if !srv.IsRunning() {
		t.Error("server should be running")
	}
	logger := watermill.NopLogger{}
	pub, err := NewPublisher(NATSConfig{URL: srv.ClientURL()}, logger)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	sub, err := NewSubscriber(NATSConfig{URL: srv.ClientURL(), QueueGroup: "tw"}, logger)
	if err != nil {
		t.Fatalf("NewSubscriber() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := sub.Subscribe(ctx, "pings")
	if err != nil {
		t.Fatal(err)
	}
	// The subscription reaches the server asynchronously, so keep publishing
	// until one message gets through.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for delivered := false; !delivered; {
		if err := pub.Publish("pings", message.NewMessage(watermill.NewUUID(), []byte(`{}`))); err != nil {
			t.Fatal(err)
		}
		select {
		case m := <-msgs:
			m.Ack()
			delivered = true
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatal("message not delivered through embedded server")
		}
	}

	_ = pub.Close()
	_ = sub.Close()
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
