// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package detection

import (
	"context"
	"fmt"
	"math"

	"github.com/tomtom215/trailwatch/internal/geo"
	"github.com/tomtom215/trailwatch/internal/pattern"
)

// minSpeedMinutes floors the time delta when computing speed so that two
// pings with the same timestamp do not divide by zero.
const minSpeedMinutes = 0.1

// Feature column order.
const (
	FeatureDistance = iota
	FeatureMinutes
	FeatureSpeed
	FeatureCentroidDistance
	FeatureLat
	FeatureLon
	NumFeatures
)

// FeatureRow is the movement signature of one step, tied to the ping that
// ends the step.
type FeatureRow struct {
	Ping   Ping
	Values [NumFeatures]float64
}

// ExtractFeatures builds one row per consecutive pair within each entity.
// Entities are visited in first-appearance order and each entity's pings are
// sorted first, so the rows line up with a stable ordering of the input.
func ExtractFeatures(pings []Ping, path *geo.ReferencePath) []FeatureRow {
	centroid := path.Centroid()
	var rows []FeatureRow
	for _, g := range GroupByEntity(pings) {
		for i := 1; i < len(g.Pings); i++ {
			prev, cur := g.Pings[i-1], g.Pings[i]
			dist := geo.DistanceCoords(prev.Lat, prev.Lon, cur.Lat, cur.Lon)
			minutes := cur.Timestamp.Sub(prev.Timestamp).Minutes()
			rows = append(rows, FeatureRow{
				Ping: cur,
				Values: [NumFeatures]float64{
					FeatureDistance:         dist,
					FeatureMinutes:          minutes,
					FeatureSpeed:            dist / math.Max(minutes, minSpeedMinutes),
					FeatureCentroidDistance: geo.DistanceCoords(cur.Lat, cur.Lon, centroid.Lat(), centroid.Lon()),
					FeatureLat:              cur.Lat,
					FeatureLon:              cur.Lon,
				},
			})
		}
	}
	return rows
}

func matrix(rows []FeatureRow) [][]float64 {
	out := make([][]float64, len(rows))
	for i := range rows {
		out[i] = rows[i].Values[:]
	}
	return out
}

// PatternDetector couples feature extraction with a pattern.Model.
type PatternDetector struct {
	model *pattern.Model
	path  *geo.ReferencePath
}

// NewPatternDetector creates an untrained pattern detector.
func NewPatternDetector(cfg pattern.Config, path *geo.ReferencePath) *PatternDetector {
	return &PatternDetector{model: pattern.New(cfg), path: path}
}

// Kind returns KindPattern.
func (d *PatternDetector) Kind() Kind {
	return KindPattern
}

// Fit trains on every step in pings, replacing any earlier training.
func (d *PatternDetector) Fit(ctx context.Context, pings []Ping) (*pattern.Snapshot, error) {
	rows := ExtractFeatures(pings, d.path)
	if len(rows) == 0 {
		return nil, pattern.ErrNoFeatures
	}
	return d.model.Fit(ctx, matrix(rows))
}

// Detect scores pings with the current snapshot and returns the outliers.
// It returns nothing while the model is untrained.
func (d *PatternDetector) Detect(pings []Ping) []Anomaly {
	return d.detectWith(d.model.Snapshot(), pings)
}

func (d *PatternDetector) detectWith(snap *pattern.Snapshot, pings []Ping) []Anomaly {
	if snap == nil {
		return nil
	}
	rows := ExtractFeatures(pings, d.path)
	if len(rows) == 0 {
		return nil
	}
	var out []Anomaly
	for i, p := range snap.Predict(matrix(rows)) {
		if !p.Outlier() {
			continue
		}
		out = append(out, newAnomaly(rows[i].Ping, KindPattern,
			fmt.Sprintf("Unusual movement pattern (score: %.2f)", p.Score),
			math.Abs(p.Score),
		))
	}
	return out
}

// Snapshot returns the current trained state, or nil.
func (d *PatternDetector) Snapshot() *pattern.Snapshot {
	return d.model.Snapshot()
}

// Status reports the underlying model status.
func (d *PatternDetector) Status() pattern.Status {
	return d.model.Status()
}
