// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/trailwatch/internal/geo"
	"github.com/tomtom215/trailwatch/internal/metrics"
	"github.com/tomtom215/trailwatch/internal/pattern"
)

var (
	// ErrTrainingInProgress is returned by Retrain and Train while another fit runs.
	ErrTrainingInProgress = pattern.ErrTrainingInProgress

	// ErrNoTrainingData is returned when the retrain source yields no usable steps.
	ErrNoTrainingData = errors.New("no training data available")

	// ErrNotificationSkipped may be returned by a Notifier that chose not to
	// deliver an anomaly. It is not counted as a failure.
	ErrNotificationSkipped = errors.New("notification skipped")
)

const (
	pathSingle = "single"
	pathBatch  = "batch"

	scopeShared = "shared"
	scopeBatch  = "batch"
)

// Config holds everything the engine needs. It is copied at construction
// and not changed afterwards.
type Config struct {
	Stop      StopConfig
	Deviation DeviationConfig
	Path      *geo.ReferencePath
	Model     pattern.Config

	// SinglePointWindow is how close a stop anomaly's timestamp must be to
	// the new ping for the real-time path to report it.
	SinglePointWindow time.Duration

	// HistoryCapacity bounds each entity's buffer.
	HistoryCapacity int

	// RetrainOnBatch promotes the model fitted for a batch to the shared model.
	RetrainOnBatch bool

	// NotifyQueueSize bounds anomalies waiting for notifier delivery.
	NotifyQueueSize int
}

// DefaultConfig returns the built-in thresholds. Path must still be set.
func DefaultConfig() Config {
	return Config{
		Stop:              DefaultStopConfig(),
		Deviation:         DefaultDeviationConfig(),
		Model:             pattern.DefaultConfig(),
		SinglePointWindow: 60 * time.Second,
		HistoryCapacity:   DefaultHistoryCapacity,
		NotifyQueueSize:   256,
	}
}

// Engine runs the stop, deviation and pattern checks over single pings and
// batches, and owns the per-entity history and the shared pattern model.
type Engine struct {
	config    Config
	logger    zerolog.Logger
	stop      *StopDetector
	deviation *DeviationDetector
	pattern   *PatternDetector
	history   *HistoryStore

	mu        sync.RWMutex
	source    PingSource
	recorder  Recorder
	notifiers []Notifier

	notifyCh chan Anomaly

	statsMu sync.RWMutex
	stats   Stats
}

// Stats counts engine activity since start.
type Stats struct {
	PingsIngested   int64              `json:"pings_ingested"`
	BatchesAnalyzed int64              `json:"batches_analyzed"`
	AnomaliesByKind map[Kind]int64     `json:"anomalies_by_kind"`
	LastTriggered   map[Kind]time.Time `json:"last_triggered"`
	LastIngestAt    time.Time          `json:"last_ingest_at"`
	LastBatchError  string             `json:"last_batch_error,omitempty"`
}

// NewEngine builds an engine. cfg.Path is required.
//
//nolint:gocritic // zerolog.Logger is passed by value by design of the library
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.Path == nil {
		return nil, fmt.Errorf("engine config: %w", geo.ErrPathTooShort)
	}
	if cfg.Stop.ThresholdMinutes <= 0 || cfg.Stop.RadiusMeters <= 0 {
		return nil, fmt.Errorf("stop thresholds must be positive: %+v", cfg.Stop)
	}
	if cfg.Deviation.ThresholdMeters <= 0 {
		return nil, fmt.Errorf("deviation threshold must be positive: %v", cfg.Deviation.ThresholdMeters)
	}
	if err := cfg.Model.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	if cfg.SinglePointWindow <= 0 {
		cfg.SinglePointWindow = 60 * time.Second
	}
	if cfg.NotifyQueueSize <= 0 {
		cfg.NotifyQueueSize = 256
	}

	e := &Engine{
		config:    cfg,
		logger:    logger.With().Str("component", "detection").Logger(),
		stop:      NewStopDetector(cfg.Stop),
		deviation: NewDeviationDetector(cfg.Deviation, cfg.Path),
		pattern:   NewPatternDetector(cfg.Model, cfg.Path),
		history:   NewHistoryStore(cfg.HistoryCapacity),
		notifyCh:  make(chan Anomaly, cfg.NotifyQueueSize),
		stats: Stats{
			AnomaliesByKind: make(map[Kind]int64),
			LastTriggered:   make(map[Kind]time.Time),
		},
	}
	e.source = e.history
	return e, nil
}

// SetPingSource replaces the retrain dataset source (history by default).
func (e *Engine) SetPingSource(src PingSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = src
}

// SetRecorder sets where ingested pings are persisted.
func (e *Engine) SetRecorder(r Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = r
}

// RegisterNotifier adds a notifier for anomalies raised on the real-time path.
func (e *Engine) RegisterNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, n)
	e.logger.Info().Str("notifier", n.Name()).Msg("registered notifier")
}

// History exposes the per-entity buffers.
func (e *Engine) History() *HistoryStore {
	return e.history
}

// Path returns the reference path.
func (e *Engine) Path() *geo.ReferencePath {
	return e.config.Path
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// AnalyzeBatch evaluates a whole dataset. Rule checks run per entity over
// its sorted pings. With useModel set, a pattern model is fitted on the
// batch itself and its outliers are appended; if that fit fails the rule
// results are still returned. The input slice is not modified.
func (e *Engine) AnalyzeBatch(ctx context.Context, pings []Ping, useModel bool) []Anomaly {
	start := time.Now()
	var out []Anomaly
	for _, g := range GroupByEntity(pings) {
		out = append(out, e.stop.Detect(g.Pings)...)
		out = append(out, e.deviation.Detect(g.Pings)...)
	}

	var batchErr error
	if useModel {
		patterns, err := e.batchPatterns(ctx, pings)
		if err != nil {
			batchErr = err
			e.logger.Warn().Err(err).Int("pings", len(pings)).Msg("pattern model unavailable for batch, continuing with rule checks")
		}
		out = append(out, patterns...)
	}

	e.recordStats(pathBatch, out, batchErr)
	metrics.RecordDetection(pathBatch, len(pings), kindLabels(out), time.Since(start))
	return out
}

// batchPatterns fits a model scoped to this batch, or the shared model when
// RetrainOnBatch is set, and scores the batch with it.
func (e *Engine) batchPatterns(ctx context.Context, pings []Ping) ([]Anomaly, error) {
	detector, scope := NewPatternDetector(e.config.Model, e.config.Path), scopeBatch
	if e.config.RetrainOnBatch {
		detector, scope = e.pattern, scopeShared
	}

	start := time.Now()
	snap, err := detector.Fit(ctx, pings)
	if err != nil {
		metrics.RecordTraining(scope, time.Since(start), err, 0, 0)
		return nil, fmt.Errorf("fit %s model: %w", scope, err)
	}
	metrics.RecordTraining(scope, time.Since(start), nil, snap.Version, snap.Rows)
	return detector.detectWith(snap, pings), nil
}

// CheckSinglePoint evaluates one new ping against the entity's prior
// history without modifying anything. Deviation is checked on the new ping
// alone. Stops are checked over history plus the new ping, and only stops
// ending within SinglePointWindow of ts are reported, so a stop the entity
// already left is not raised again.
func (e *Engine) CheckSinglePoint(entityID string, lat, lon float64, ts time.Time, history []Ping) []Anomaly {
	p := Ping{EntityID: entityID, Lat: lat, Lon: lon, Timestamp: ts}

	var out []Anomaly
	if a, ok := e.deviation.check(p); ok {
		out = append(out, a)
	}
	if len(history) == 0 {
		return out
	}

	combined := make([]Ping, 0, len(history)+1)
	combined = append(combined, history...)
	combined = append(combined, p)
	SortPings(combined)

	for _, a := range e.stop.Detect(combined) {
		delta := a.Timestamp.Sub(ts)
		if delta < 0 {
			delta = -delta
		}
		if delta < e.config.SinglePointWindow {
			out = append(out, a)
		}
	}
	return out
}

// Ingest is the real-time path: it checks the ping against the entity's
// history and appends it, atomically per entity, then persists it and
// queues any anomalies for notification.
func (e *Engine) Ingest(ctx context.Context, p Ping) []Anomaly {
	start := time.Now()
	var found []Anomaly
	e.history.Update(p.EntityID, func(history []Ping) Entry {
		found = e.CheckSinglePoint(p.EntityID, p.Lat, p.Lon, p.Timestamp, history)
		return Entry{Ping: p, Kinds: kindsOf(found)}
	})

	e.mu.RLock()
	recorder := e.recorder
	e.mu.RUnlock()
	if recorder != nil {
		err := recorder.Record(ctx, p, kindsOf(found))
		metrics.RecordArchiveWrite(err)
		if err != nil {
			e.logger.Error().Err(err).Str("tourist_id", p.EntityID).Msg("failed to archive ping")
		}
	}

	e.recordStats(pathSingle, found, nil)
	metrics.RecordDetection(pathSingle, 1, kindLabels(found), time.Since(start))
	metrics.UpdateHistoryGauges(e.history.Counts())

	for _, a := range found {
		e.enqueueNotification(a)
	}
	return found
}

// Restore appends archived entries to history without re-running checks.
func (e *Engine) Restore(entries []Entry) {
	for _, en := range entries {
		e.history.Append(en.Ping.EntityID, en)
	}
	metrics.UpdateHistoryGauges(e.history.Counts())
}

// Train fits the shared pattern model on pings and installs it.
func (e *Engine) Train(ctx context.Context, pings []Ping) error {
	start := time.Now()
	snap, err := e.pattern.Fit(ctx, pings)
	metrics.RecordTraining(scopeShared, time.Since(start), err, snapVersion(snap), snapRows(snap))
	if err != nil {
		if errors.Is(err, pattern.ErrNoFeatures) {
			return fmt.Errorf("%w: %w", ErrNoTrainingData, err)
		}
		return err
	}
	e.logger.Info().
		Int64("version", snap.Version).
		Int("rows", snap.Rows).
		Int("pings", len(pings)).
		Dur("duration", time.Since(start)).
		Msg("pattern model trained")
	return nil
}

// Retrain refits the shared model from the configured ping source.
func (e *Engine) Retrain(ctx context.Context) error {
	e.mu.RLock()
	src := e.source
	e.mu.RUnlock()

	pings, err := src.AllPings(ctx)
	if err != nil {
		return fmt.Errorf("load training pings: %w", err)
	}
	if len(pings) == 0 {
		return ErrNoTrainingData
	}
	return e.Train(ctx, pings)
}

// ScoreEntity runs the shared pattern model over one entity's buffered
// history. The bool is false for unknown entities.
func (e *Engine) ScoreEntity(entityID string) ([]Anomaly, bool) {
	entries, ok := e.history.Entries(entityID)
	if !ok {
		return nil, false
	}
	pings := make([]Ping, len(entries))
	for i, en := range entries {
		pings[i] = en.Ping
	}
	return e.pattern.Detect(pings), true
}

// ModelStatus reports the shared pattern model state.
func (e *Engine) ModelStatus() pattern.Status {
	return e.pattern.Status()
}

// ModelSnapshot returns the shared model, or nil when untrained.
func (e *Engine) ModelSnapshot() *pattern.Snapshot {
	return e.pattern.Snapshot()
}

// Stats returns a copy of the activity counters.
func (e *Engine) Stats() Stats {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	out := e.stats
	out.AnomaliesByKind = make(map[Kind]int64, len(e.stats.AnomaliesByKind))
	for k, v := range e.stats.AnomaliesByKind {
		out.AnomaliesByKind[k] = v
	}
	out.LastTriggered = make(map[Kind]time.Time, len(e.stats.LastTriggered))
	for k, v := range e.stats.LastTriggered {
		out.LastTriggered[k] = v
	}
	return out
}

func (e *Engine) recordStats(path string, found []Anomaly, batchErr error) {
	now := time.Now()
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	switch path {
	case pathSingle:
		e.stats.PingsIngested++
		e.stats.LastIngestAt = now
	case pathBatch:
		e.stats.BatchesAnalyzed++
		e.stats.LastBatchError = ""
		if batchErr != nil {
			e.stats.LastBatchError = batchErr.Error()
		}
	}
	for _, a := range found {
		e.stats.AnomaliesByKind[a.Kind]++
		e.stats.LastTriggered[a.Kind] = now
	}
}

func (e *Engine) enqueueNotification(a Anomaly) {
	e.mu.RLock()
	n := len(e.notifiers)
	e.mu.RUnlock()
	if n == 0 {
		return
	}
	select {
	case e.notifyCh <- a:
	default:
		metrics.NotificationsDropped.Inc()
		e.logger.Warn().Str("tourist_id", a.EntityID).Str("kind", string(a.Kind)).Msg("notification queue full, dropping anomaly")
	}
}

// RunWithContext delivers queued anomalies to the registered notifiers until
// ctx is done. It is meant to run under the supervisor.
func (e *Engine) RunWithContext(ctx context.Context) error {
	e.logger.Info().Msg("anomaly notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("anomaly notification dispatcher stopped")
			return ctx.Err()
		case a := <-e.notifyCh:
			e.dispatch(ctx, &a)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, a *Anomaly) {
	e.mu.RLock()
	notifiers := make([]Notifier, 0, len(e.notifiers))
	for _, n := range e.notifiers {
		if n.Enabled() {
			notifiers = append(notifiers, n)
		}
	}
	e.mu.RUnlock()

	var wg sync.WaitGroup
	for _, n := range notifiers {
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			err := n.Send(ctx, a)
			if errors.Is(err, ErrNotificationSkipped) {
				return
			}
			metrics.RecordNotification(n.Name(), err)
			if err != nil {
				e.logger.Error().Err(err).Str("notifier", n.Name()).Str("tourist_id", a.EntityID).Msg("failed to send anomaly")
			}
		}(n)
	}
	wg.Wait()
}

func kindLabels(anomalies []Anomaly) []string {
	out := make([]string, len(anomalies))
	for i, a := range anomalies {
		out[i] = string(a.Kind)
	}
	return out
}

func snapVersion(s *pattern.Snapshot) int64 {
	if s == nil {
		return 0
	}
	return s.Version
}

func snapRows(s *pattern.Snapshot) int {
	if s == nil {
		return 0
	}
	return s.Rows
}
