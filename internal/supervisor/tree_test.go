// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingService struct {
	name     string
	starts   atomic.Int32
	failures int32
}

func (s *countingService) Serve(ctx context.Context) error {
	n := s.starts.Add(1)
	if n <= s.failures {
		return errors.New("simulated failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *countingService) String() string { return s.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTreeConfigDefaults(t *testing.T) {
	got := TreeConfig{}.withDefaults()
	if got != DefaultTreeConfig() {
		t.Errorf("withDefaults() = %+v, want %+v", got, DefaultTreeConfig())
	}

	custom := TreeConfig{FailureThreshold: 2, FailureBackoff: time.Second}.withDefaults()
	if custom.FailureThreshold != 2 || custom.FailureBackoff != time.Second || custom.FailureDecay != 30 {
		t.Errorf("partial config = %+v", custom)
	}
}

func TestLayerString(t *testing.T) {
	tests := []struct {
		layer Layer
		want  string
	}{
		{LayerData, "data-layer"},
		{LayerMessaging, "messaging-layer"},
		{LayerAPI, "api-layer"},
		{Layer(9), "layer(9)"},
	}
	for _, tt := range tests {
		if got := tt.layer.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.layer), got, tt.want)
		}
	}
}

func TestTreeStartsEveryLayer(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})

	svcs := map[Layer]*countingService{
		LayerData:      {name: "archive-gc"},
		LayerMessaging: {name: "nats-ingest"},
		LayerAPI:       {name: "http-server"},
	}
	for l, s := range svcs {
		tree.Add(l, s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	time.Sleep(100 * time.Millisecond)

	for l, s := range svcs {
		if s.starts.Load() != 1 {
			t.Errorf("%v: %s started %d times", l, s.name, s.starts.Load())
		}
	}

	names := tree.Services()
	if len(names["messaging-layer"]) != 1 || names["messaging-layer"][0] != "nats-ingest" {
		t.Errorf("Services() = %v", names)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestTreeRestartsFailingService(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	flaky := &countingService{name: "flaky", failures: 2}
	stable := &countingService{name: "stable"}
	tree.Add(LayerMessaging, flaky)
	tree.Add(LayerAPI, stable)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go func() { _ = tree.Serve(ctx) }()
	time.Sleep(200 * time.Millisecond)

	if got := flaky.starts.Load(); got < 3 {
		t.Errorf("flaky started %d times, want at least 3", got)
	}
	if got := stable.starts.Load(); got != 1 {
		t.Errorf("stable started %d times, want 1", got)
	}
}

func TestTreeRemove(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})
	svc := &countingService{name: "retrain"}
	token := tree.Add(LayerData, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := tree.Remove(LayerData, token); err != nil {
		t.Errorf("Remove() = %v", err)
	}
	if err := tree.Remove(Layer(7), token); err == nil {
		t.Error("Remove on unknown layer should fail")
	}
	cancel()
	<-errCh
}
