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

// DeviationConfig configures the deviation detector.
type DeviationConfig struct {
	// ThresholdMeters is the largest allowed distance from the path.
	ThresholdMeters float64 `json:"threshold_meters"`
}

// DefaultDeviationConfig returns a 200 meter threshold.
func DefaultDeviationConfig() DeviationConfig {
	return DeviationConfig{ThresholdMeters: 200}
}

// DeviationDetector flags pings far from the reference path. Distance to
// the path is the distance to the nearest segment endpoint.
type DeviationDetector struct {
	config DeviationConfig
	path   *geo.ReferencePath
}

// NewDeviationDetector creates a deviation detector for path.
func NewDeviationDetector(cfg DeviationConfig, path *geo.ReferencePath) *DeviationDetector {
	return &DeviationDetector{config: cfg, path: path}
}

// Kind returns KindDeviation.
func (d *DeviationDetector) Kind() Kind {
	return KindDeviation
}

// Detect checks every ping independently.
func (d *DeviationDetector) Detect(pings []Ping) []Anomaly {
	var out []Anomaly
	for _, p := range pings {
		if a, ok := d.check(p); ok {
			out = append(out, a)
		}
	}
	return out
}

func (d *DeviationDetector) check(p Ping) (Anomaly, bool) {
	dist := d.path.NearestEndpointDistance(p.Lat, p.Lon)
	if dist <= d.config.ThresholdMeters {
		return Anomaly{}, false
	}
	return newAnomaly(p, KindDeviation,
		fmt.Sprintf("Deviated %.0fm from planned route", dist),
		math.Min(dist/d.config.ThresholdMeters, maxDeviationConfidence),
	), true
}
