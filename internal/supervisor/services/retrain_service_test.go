// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/trailwatch/internal/detection"
)

type mockRetrainer struct {
	mu    sync.Mutex
	calls int
	err   error
	delay time.Duration
}

func (m *mockRetrainer) Retrain(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	return m.err
}

func (m *mockRetrainer) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func runFor(svc *RetrainService, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return svc.Serve(ctx)
}

func TestRetrainService_String(t *testing.T) {
	svc := NewRetrainService(&mockRetrainer{}, RetrainServiceConfig{}, zerolog.Nop())
	if got := svc.String(); got != "model-retrain" {
		t.Errorf("String() = %q, want %q", got, "model-retrain")
	}
}

func TestRetrainService_Schedule(t *testing.T) {
	tests := []struct {
		name      string
		cfg       RetrainServiceConfig
		wantMin   int
		wantMax   int
		runWindow time.Duration
	}{
		{"startup only", RetrainServiceConfig{TrainOnStartup: true}, 1, 1, 100 * time.Millisecond},
		{"no startup long interval", RetrainServiceConfig{Interval: time.Hour}, 0, 0, 100 * time.Millisecond},
		{"scheduled", RetrainServiceConfig{Interval: 20 * time.Millisecond}, 3, 100, 150 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockRetrainer{}
			err := runFor(NewRetrainService(m, tt.cfg, zerolog.Nop()), tt.runWindow)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("Serve() error = %v, want deadline exceeded", err)
			}
			if got := m.getCalls(); got < tt.wantMin || got > tt.wantMax {
				t.Errorf("Retrain called %d times, want [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestRetrainService_ErrorsDoNotStopService(t *testing.T) {
	for _, trainErr := range []error{detection.ErrNoTrainingData, errors.New("badger: closed")} {
		m := &mockRetrainer{err: trainErr}
		cfg := RetrainServiceConfig{TrainOnStartup: true, Interval: 20 * time.Millisecond}
		err := runFor(NewRetrainService(m, cfg, zerolog.Nop()), 100*time.Millisecond)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("%v: Serve() error = %v", trainErr, err)
		}
		if m.getCalls() < 2 {
			t.Errorf("%v: Retrain called %d times, want retries", trainErr, m.getCalls())
		}
	}
}

func TestRetrainService_TimeoutBoundsFit(t *testing.T) {
	m := &mockRetrainer{delay: time.Second}
	cfg := RetrainServiceConfig{TrainOnStartup: true, Timeout: 20 * time.Millisecond}

	start := time.Now()
	_ = runFor(NewRetrainService(m, cfg, zerolog.Nop()), 200*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Serve took %v, fit timeout not applied", elapsed)
	}
}
