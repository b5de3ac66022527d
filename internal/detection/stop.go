// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package detection

import (
	"fmt"
	"math"

	"github.com/tomtom215/trailwatch/internal/geo"
)

// Confidence caps. A stop twice as long as the threshold, or a deviation
// three times the allowed distance, is as certain as it gets.
const (
	maxStopConfidence      = 2.0
	maxDeviationConfidence = 3.0
)

// StopConfig configures the stop detector.
type StopConfig struct {
	// ThresholdMinutes is the minimum dwell to flag.
	ThresholdMinutes float64 `json:"threshold_minutes"`

	// RadiusMeters is the movement below which two pings count as the same place.
	RadiusMeters float64 `json:"radius_meters"`
}

// DefaultStopConfig returns a 5 minute threshold within 10 meters.
func DefaultStopConfig() StopConfig {
	return StopConfig{
		ThresholdMinutes: 5,
		RadiusMeters:     10,
	}
}

// StopDetector flags entities that stay in one place for too long.
type StopDetector struct {
	config StopConfig
}

// NewStopDetector creates a stop detector.
func NewStopDetector(cfg StopConfig) *StopDetector {
	return &StopDetector{config: cfg}
}

// Kind returns KindStop.
func (d *StopDetector) Kind() Kind {
	return KindStop
}

// Detect scans one entity's sorted pings for dwells. A dwell is a run of
// pings each within the radius of the one before it, and lasts from the
// first ping of the run to the current one. Every ping at which the dwell
// reaches the threshold yields an anomaly, so a single pair far enough
// apart in time is flagged as well as a run of frequent pings. Unsorted
// input is not guarded against.
func (d *StopDetector) Detect(pings []Ping) []Anomaly {
	if len(pings) < 2 {
		return nil
	}
	var out []Anomaly
	since := pings[0].Timestamp
	for i := 1; i < len(pings); i++ {
		prev, cur := pings[i-1], pings[i]
		if geo.DistanceCoords(prev.Lat, prev.Lon, cur.Lat, cur.Lon) >= d.config.RadiusMeters {
			since = cur.Timestamp
			continue
		}
		minutes := cur.Timestamp.Sub(since).Minutes()
		if minutes >= d.config.ThresholdMinutes {
			out = append(out, newAnomaly(cur, KindStop,
				fmt.Sprintf("Stopped for %.1f minutes", minutes),
				math.Min(minutes/d.config.ThresholdMinutes, maxStopConfidence),
			))
		}
	}
	return out
}
