// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package detection

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/trailwatch/internal/pattern"
)

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = mustPath(t)
	cfg.Model.Estimators = 50
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// walk returns n pings moving along the reference path 1.5 minutes apart.
func walk(id string, n int, seed int64) []Ping {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Ping, n)
	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n)
		out[i] = Ping{
			EntityID:  id,
			Lat:       12.9716 + 0.004*frac + (rng.Float64()-0.5)*0.0002,
			Lon:       77.5946 + 0.004*frac + (rng.Float64()-0.5)*0.0002,
			Timestamp: t0.Add(time.Duration(i) * 90 * time.Second),
		}
	}
	return out
}

func countKind(as []Anomaly, k Kind) int {
	n := 0
	for _, a := range as {
		if a.Kind == k {
			n++
		}
	}
	return n
}

func TestNewEngineValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing path", func(c *Config) { c.Path = nil }},
		{"zero stop threshold", func(c *Config) { c.Stop.ThresholdMinutes = 0 }},
		{"zero deviation threshold", func(c *Config) { c.Deviation.ThresholdMeters = 0 }},
		{"bad contamination", func(c *Config) { c.Model.Contamination = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Path = mustPath(t)
			tt.mutate(&cfg)
			if _, err := NewEngine(cfg, zerolog.Nop()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCheckSinglePointNoHistory(t *testing.T) {
	e := newTestEngine(t, nil)

	if got := e.CheckSinglePoint("a", 12.9716, 77.5946, t0, nil); len(got) != 0 {
		t.Errorf("on-path ping with no history: %+v", got)
	}
	got := e.CheckSinglePoint("a", 12.9806, 77.5986, t0, nil)
	if len(got) != 1 || got[0].Kind != KindDeviation {
		t.Errorf("off-path ping with no history: %+v", got)
	}
}

func TestCheckSinglePointStopWindow(t *testing.T) {
	e := newTestEngine(t, nil)
	lat, lon := 12.9716, 77.5946

	t.Run("current stop is reported", func(t *testing.T) {
		history := []Ping{ping("a", lat, lon, 0)}
		got := e.CheckSinglePoint("a", lat, lon, t0.Add(10*time.Minute), history)
		if countKind(got, KindStop) != 1 {
			t.Fatalf("got %+v, want one stop", got)
		}
		if got[0].Detail != "Stopped for 10.0 minutes" || got[0].Confidence != 2 {
			t.Errorf("stop = %+v", got[0])
		}
	})

	t.Run("old stop is filtered", func(t *testing.T) {
		// The stop ended at minute 10; the new ping at minute 11 moved away.
		history := []Ping{ping("a", lat, lon, 0), ping("a", lat, lon, 10)}
		got := e.CheckSinglePoint("a", 12.9726, 77.5956, t0.Add(11*time.Minute), history)
		if n := countKind(got, KindStop); n != 0 {
			t.Errorf("got %d stale stops: %+v", n, got)
		}
	})

	t.Run("stop ending just inside the window", func(t *testing.T) {
		history := []Ping{ping("a", lat, lon, 0), ping("a", lat, lon, 10)}
		got := e.CheckSinglePoint("a", 12.9726, 77.5956, t0.Add(10*time.Minute+59*time.Second), history)
		if n := countKind(got, KindStop); n != 1 {
			t.Errorf("got %d stops, want 1", n)
		}
	})

	t.Run("history is sorted before checking", func(t *testing.T) {
		history := []Ping{ping("a", lat, lon, 8), ping("a", lat, lon, 0)}
		got := e.CheckSinglePoint("a", lat, lon, t0.Add(9*time.Minute), history)
		if n := countKind(got, KindStop); n != 1 || got[0].Detail != "Stopped for 9.0 minutes" {
			t.Errorf("got %+v, want one stop for the full nine minute dwell", got)
		}
		if !history[0].Timestamp.Equal(t0.Add(8 * time.Minute)) {
			t.Error("caller history was reordered")
		}
	})

	t.Run("deviation and stop together", func(t *testing.T) {
		far := []Ping{ping("a", 12.9806, 77.5986, 0)}
		got := e.CheckSinglePoint("a", 12.9806, 77.5986, t0.Add(7*time.Minute), far)
		if countKind(got, KindDeviation) != 1 || countKind(got, KindStop) != 1 {
			t.Errorf("got %+v", got)
		}
		if got[0].Kind != KindDeviation {
			t.Error("deviation should be reported first")
		}
	})
}

// dwellScenario is three walking pings followed by eight pings one minute
// apart that stay within a few meters.
func dwellScenario() []Ping {
	pings := []Ping{
		ping("d", 12.9716, 77.5946, 0),
		ping("d", 12.9721, 77.5951, 1),
		ping("d", 12.9726, 77.5956, 2),
	}
	for i := 0; i < 8; i++ {
		pings = append(pings, ping("d", 12.9731+0.00002*float64(i%2), 77.5961, float64(3+i)))
	}
	return pings
}

func assertRisingStops(t *testing.T, stops []Anomaly) {
	t.Helper()
	if len(stops) != 3 {
		t.Fatalf("got %d stops, want 3: %+v", len(stops), stops)
	}
	if first := t0.Add(8 * time.Minute); !stops[0].Timestamp.Equal(first) {
		t.Errorf("first stop at %v, want %v (five minutes into the dwell)", stops[0].Timestamp, first)
	}
	for i := 1; i < len(stops); i++ {
		if stops[i].Confidence <= stops[i-1].Confidence {
			t.Errorf("confidence not rising: %v then %v", stops[i-1].Confidence, stops[i].Confidence)
		}
	}
}

func TestDwellScenario(t *testing.T) {
	t.Run("batch", func(t *testing.T) {
		e := newTestEngine(t, nil)
		var stops []Anomaly
		for _, a := range e.AnalyzeBatch(context.Background(), dwellScenario(), false) {
			if a.Kind == KindStop {
				stops = append(stops, a)
			}
		}
		assertRisingStops(t, stops)
	})

	t.Run("ingest", func(t *testing.T) {
		e := newTestEngine(t, nil)
		var stops []Anomaly
		for _, p := range dwellScenario() {
			for _, a := range e.Ingest(context.Background(), p) {
				if a.Kind == KindStop {
					stops = append(stops, a)
				}
			}
		}
		assertRisingStops(t, stops)
	})
}

func TestAnalyzeBatchRules(t *testing.T) {
	e := newTestEngine(t, nil)
	lat, lon := 12.9716, 77.5946
	pings := []Ping{
		ping("b", 12.9806, 77.5986, 0), // off path
		ping("a", lat, lon, 10),
		ping("a", lat, lon, 0),
		ping("a", 12.9726, 77.5956, 12),
	}
	got := e.AnalyzeBatch(context.Background(), pings, false)
	if countKind(got, KindStop) != 1 || countKind(got, KindDeviation) != 1 || countKind(got, KindPattern) != 0 {
		t.Fatalf("got %+v", got)
	}
	if got[0].EntityID != "b" {
		t.Error("entities should be reported in first-appearance order")
	}
	if st := e.Stats(); st.BatchesAnalyzed != 1 || st.AnomaliesByKind[KindStop] != 1 {
		t.Errorf("stats = %+v", st)
	}
	if len(e.History().Entities()) != 0 {
		t.Error("batch analysis must not touch history")
	}
}

func TestAnalyzeBatchModelWithoutFeatures(t *testing.T) {
	e := newTestEngine(t, nil)
	// One ping per entity produces no steps, so the model cannot fit.
	pings := []Ping{ping("a", 12.9806, 77.5986, 0), ping("b", 12.9716, 77.5946, 0)}
	got := e.AnalyzeBatch(context.Background(), pings, true)
	if len(got) != 1 || got[0].Kind != KindDeviation {
		t.Fatalf("got %+v, want only the deviation", got)
	}
	if e.Stats().LastBatchError == "" {
		t.Error("fit failure should be recorded")
	}
}

func TestAnalyzeBatchPattern(t *testing.T) {
	e := newTestEngine(t, nil)
	var pings []Ping
	for i := 0; i < 6; i++ {
		pings = append(pings, walk(string(rune('a'+i)), 40, int64(i))...)
	}
	// A jumpy entity: large hops at odd intervals.
	for i := 0; i < 10; i++ {
		pings = append(pings, Ping{
			EntityID:  "jumpy",
			Lat:       12.9716 + 0.01*float64(i%3),
			Lon:       77.5946 - 0.01*float64(i%2),
			Timestamp: t0.Add(time.Duration(i*i) * time.Minute),
		})
	}

	got := e.AnalyzeBatch(context.Background(), pings, true)
	patterns := countKind(got, KindPattern)
	if patterns == 0 {
		t.Fatal("expected pattern anomalies")
	}
	for _, a := range got {
		if a.Kind == KindPattern && a.Confidence <= 0 {
			t.Errorf("pattern anomaly with non-positive confidence: %+v", a)
		}
	}
	if e.ModelSnapshot() != nil {
		t.Error("batch model must not replace the shared model by default")
	}

	// Pattern results come after all rule results.
	seenPattern := false
	for _, a := range got {
		if a.Kind == KindPattern {
			seenPattern = true
		} else if seenPattern {
			t.Fatal("rule anomaly after pattern anomaly")
		}
	}

	again := e.AnalyzeBatch(context.Background(), pings, true)
	if countKind(again, KindPattern) != patterns {
		t.Error("batch analysis should be deterministic for a fixed seed")
	}
}

func TestAnalyzeBatchRetrainOnBatch(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.RetrainOnBatch = true })
	e.AnalyzeBatch(context.Background(), walk("a", 30, 1), true)
	if snap := e.ModelSnapshot(); snap == nil || snap.Version != 1 {
		t.Fatalf("shared snapshot = %+v, want version 1", snap)
	}
}

func TestIngestAndRetrain(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	if err := e.Retrain(ctx); !errors.Is(err, ErrNoTrainingData) {
		t.Fatalf("Retrain on empty history = %v, want ErrNoTrainingData", err)
	}
	if got, ok := e.ScoreEntity("a"); ok || got != nil {
		t.Error("unknown entity should not score")
	}

	lat, lon := 12.9716, 77.5946
	if got := e.Ingest(ctx, ping("a", lat, lon, 0)); len(got) != 0 {
		t.Fatalf("first ping: %+v", got)
	}
	got := e.Ingest(ctx, ping("a", lat, lon, 6))
	if countKind(got, KindStop) != 1 {
		t.Fatalf("second ping: %+v, want stop", got)
	}
	entries, _ := e.History().Entries("a")
	if len(entries) != 2 || entries[0].Flagged() || !entries[1].Flagged() {
		t.Errorf("entries = %+v", entries)
	}

	// Untrained: scoring returns nothing but the entity is known.
	if got, ok := e.ScoreEntity("a"); !ok || len(got) != 0 {
		t.Errorf("ScoreEntity untrained = %v, %v", got, ok)
	}

	for _, p := range walk("b", 40, 3) {
		e.Ingest(ctx, p)
	}
	if err := e.Retrain(ctx); err != nil {
		t.Fatalf("Retrain: %v", err)
	}
	st := e.ModelStatus()
	if !st.Trained || st.Version != 1 || st.Rows != 40 {
		t.Errorf("status = %+v", st)
	}
	if _, ok := e.ScoreEntity("b"); !ok {
		t.Error("known entity should score")
	}
	if s := e.Stats(); s.PingsIngested != 42 {
		t.Errorf("pings ingested = %d", s.PingsIngested)
	}
}

func TestTrainNoSteps(t *testing.T) {
	e := newTestEngine(t, nil)
	err := e.Train(context.Background(), []Ping{ping("a", 1, 1, 0)})
	if !errors.Is(err, ErrNoTrainingData) || !errors.Is(err, pattern.ErrNoFeatures) {
		t.Errorf("err = %v", err)
	}
}

type failingSource struct{}

func (failingSource) AllPings(context.Context) ([]Ping, error) {
	return nil, errors.New("archive closed")
}

func TestRetrainSourceError(t *testing.T) {
	e := newTestEngine(t, nil)
	e.SetPingSource(failingSource{})
	if err := e.Retrain(context.Background()); err == nil || errors.Is(err, ErrNoTrainingData) {
		t.Errorf("err = %v, want source error", err)
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []Anomaly
	done chan struct{}
}

func (n *recordingNotifier) Send(_ context.Context, a *Anomaly) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, *a)
	if len(n.got) == 1 {
		close(n.done)
	}
	return nil
}
func (n *recordingNotifier) Name() string  { return "recording" }
func (n *recordingNotifier) Enabled() bool { return true }

type memRecorder struct {
	mu    sync.Mutex
	kinds map[time.Time][]Kind
}

func (r *memRecorder) Record(_ context.Context, p Ping, kinds []Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[p.Timestamp] = kinds
	return nil
}

func TestIngestNotifiesAndRecords(t *testing.T) {
	e := newTestEngine(t, nil)
	n := &recordingNotifier{done: make(chan struct{})}
	rec := &memRecorder{kinds: make(map[time.Time][]Kind)}
	e.RegisterNotifier(n)
	e.SetRecorder(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- e.RunWithContext(ctx) }()

	e.Ingest(ctx, ping("a", 12.9806, 77.5986, 0))

	select {
	case <-n.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier not called")
	}
	n.mu.Lock()
	if n.got[0].Kind != KindDeviation {
		t.Errorf("notified %+v", n.got[0])
	}
	n.mu.Unlock()

	rec.mu.Lock()
	if k := rec.kinds[t0]; len(k) != 1 || k[0] != KindDeviation {
		t.Errorf("recorded kinds = %v", k)
	}
	rec.mu.Unlock()

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("RunWithContext = %v", err)
	}
}

func TestRestore(t *testing.T) {
	e := newTestEngine(t, nil)
	e.Restore([]Entry{
		{Ping: ping("a", 1, 1, 0)},
		{Ping: ping("a", 1, 1, 1), Kinds: []Kind{KindStop}},
	})
	if st := e.History().Stats(); st.Points != 2 || st.FlaggedPoints != 1 {
		t.Errorf("stats after restore = %+v", st)
	}
}
