// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package pattern implements unsupervised outlier scoring for movement
// feature rows: a standard scaler in front of an isolation forest.
//
// A Model is untrained until the first successful Fit. Each Fit builds a
// complete new Snapshot and swaps it in atomically, so Predict never sees
// partially trained state and never blocks on training.
package pattern

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoFeatures is returned by Fit when there are no rows to learn from.
	ErrNoFeatures = errors.New("no feature rows to train on")

	// ErrTrainingInProgress is returned when Fit is called while another fit runs.
	ErrTrainingInProgress = errors.New("training already in progress")
)

// Config holds isolation forest hyperparameters.
type Config struct {
	Estimators    int     `json:"estimators"`
	MaxSamples    int     `json:"max_samples"`
	Contamination float64 `json:"contamination"`
	Seed          int64   `json:"seed"`
}

// DefaultConfig returns 100 trees of up to 256 samples, 10% contamination, seed 42.
func DefaultConfig() Config {
	return Config{
		Estimators:    100,
		MaxSamples:    256,
		Contamination: 0.1,
		Seed:          42,
	}
}

// Validate checks hyperparameter ranges.
func (c Config) Validate() error {
	if c.Estimators < 1 {
		return fmt.Errorf("estimators must be positive, got %d", c.Estimators)
	}
	if c.MaxSamples < 1 {
		return fmt.Errorf("max_samples must be positive, got %d", c.MaxSamples)
	}
	if c.Contamination <= 0 || c.Contamination > 0.5 {
		return fmt.Errorf("contamination must be in (0, 0.5], got %v", c.Contamination)
	}
	return nil
}

// Label classifies a scored row.
type Label string

const (
	LabelNormal  Label = "normal"
	LabelOutlier Label = "outlier"
)

// Prediction is the result for one feature row. Score is the decision
// function value; negative means anomalous and |Score| is the margin.
type Prediction struct {
	Label Label   `json:"label"`
	Score float64 `json:"score"`
}

// Outlier reports whether the row was labelled anomalous.
func (p Prediction) Outlier() bool {
	return p.Label == LabelOutlier
}

// Snapshot is an immutable trained model.
type Snapshot struct {
	Version   int64
	TrainedAt time.Time
	Rows      int
	Features  int

	scaler *Scaler
	forest *forest
}

// Predict scores rows against the snapshot. Rows whose width differs from
// the training width are scored as normal with a zero score.
func (s *Snapshot) Predict(rows [][]float64) []Prediction {
	if len(rows) == 0 {
		return nil
	}
	out := make([]Prediction, len(rows))
	valid := make([]int, 0, len(rows))
	data := make([]float64, 0, len(rows)*s.Features)
	for i, r := range rows {
		out[i] = Prediction{Label: LabelNormal}
		if len(r) != s.Features {
			continue
		}
		valid = append(valid, i)
		data = append(data, r...)
	}
	if len(valid) == 0 {
		return out
	}

	x := s.scaler.Transform(mat.NewDense(len(valid), s.Features, data))
	for k, score := range s.forest.decision(x) {
		p := Prediction{Label: LabelNormal, Score: score}
		if score < 0 {
			p.Label = LabelOutlier
		}
		out[valid[k]] = p
	}
	return out
}

// Status describes the model for health and admin endpoints.
type Status struct {
	Trained          bool      `json:"trained"`
	Training         bool      `json:"training"`
	Version          int64     `json:"version"`
	TrainedAt        time.Time `json:"trained_at"`
	Rows             int       `json:"rows"`
	LastError        string    `json:"last_error,omitempty"`
	LastDurationMS   int64     `json:"last_duration_ms"`
	TrainingAttempts int64     `json:"training_attempts"`
}

// Model owns the current snapshot and serializes training.
type Model struct {
	config  Config
	current atomic.Pointer[Snapshot]
	version atomic.Int64

	trainMu sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

// New returns an untrained model. Invalid hyperparameters fall back to defaults.
func New(cfg Config) *Model {
	if cfg.Validate() != nil {
		cfg = DefaultConfig()
	}
	return &Model{config: cfg}
}

// Config returns the hyperparameters the model trains with.
func (m *Model) Config() Config {
	return m.config
}

// Snapshot returns the current trained state, or nil when untrained.
func (m *Model) Snapshot() *Snapshot {
	return m.current.Load()
}

// Predict scores rows with the current snapshot. An untrained model or an
// empty input yields an empty result.
func (m *Model) Predict(rows [][]float64) []Prediction {
	snap := m.current.Load()
	if snap == nil || len(rows) == 0 {
		return nil
	}
	return snap.Predict(rows)
}

// Fit trains a new snapshot on rows and installs it. On error the previous
// snapshot stays in place. Concurrent calls fail fast with
// ErrTrainingInProgress.
func (m *Model) Fit(ctx context.Context, rows [][]float64) (*Snapshot, error) {
	if !m.trainMu.TryLock() {
		return nil, ErrTrainingInProgress
	}
	defer m.trainMu.Unlock()

	start := time.Now()
	m.statusMu.Lock()
	m.status.Training = true
	m.status.TrainingAttempts++
	m.statusMu.Unlock()

	snap, err := m.fit(ctx, rows)

	m.statusMu.Lock()
	m.status.Training = false
	m.status.LastDurationMS = time.Since(start).Milliseconds()
	if err != nil {
		m.status.LastError = err.Error()
	} else {
		m.status.LastError = ""
		m.status.Trained = true
		m.status.Version = snap.Version
		m.status.TrainedAt = snap.TrainedAt
		m.status.Rows = snap.Rows
	}
	m.statusMu.Unlock()

	if err != nil {
		return nil, err
	}
	m.current.Store(snap)
	return snap, nil
}

func (m *Model) fit(ctx context.Context, rows [][]float64) (snap *Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			snap, err = nil, fmt.Errorf("training panicked: %v", r)
		}
	}()

	x, err := toDense(rows)
	if err != nil {
		return nil, err
	}
	scaler := FitScaler(x)
	f, err := growForest(ctx, scaler.Transform(x), m.config)
	if err != nil {
		return nil, fmt.Errorf("grow forest: %w", err)
	}

	n, width := x.Dims()
	return &Snapshot{
		Version:   m.version.Add(1),
		TrainedAt: time.Now().UTC(),
		Rows:      n,
		Features:  width,
		scaler:    scaler,
		forest:    f,
	}, nil
}

// Status returns a copy of the training status.
func (m *Model) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

func toDense(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, ErrNoFeatures
	}
	width := len(rows[0])
	if width == 0 {
		return nil, ErrNoFeatures
	}
	data := make([]float64, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(r), width)
		}
		for j, v := range r {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("row %d feature %d is not finite", i, j)
			}
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), width, data), nil
}
