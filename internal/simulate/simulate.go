// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package simulate generates labelled synthetic tourist tracks along a
// reference path, for seeding the pattern model and for demos.
package simulate

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/tomtom215/trailwatch/internal/detection"
	"github.com/tomtom215/trailwatch/internal/geo"
)

// Label values written to the anomaly_type column.
const (
	LabelNormal    = "normal"
	LabelStop      = string(detection.KindStop)
	LabelDeviation = string(detection.KindDeviation)
)

// Scenario tuning.
const (
	gpsNoiseDeg     = 0.0001
	stopNoiseDeg    = 0.00002
	deviationDeg    = 0.003
	minSegmentSteps = 8
	maxSegmentSteps = 12
	stopLeadPings   = 3
	stopPings       = 8
	deviationPings  = 5
)

// Record is a generated ping with its ground-truth label.
type Record struct {
	Ping      detection.Ping
	IsAnomaly bool
	Label     string
}

// Generator produces tracks along a path. It is not safe for concurrent use.
type Generator struct {
	path *geo.ReferencePath
	rng  *rand.Rand
}

// NewGenerator creates a generator. The same seed yields the same tracks.
func NewGenerator(path *geo.ReferencePath, seed int64) *Generator {
	return &Generator{
		path: path,
		rng:  rand.New(rand.NewSource(seed)), //nolint:gosec // synthetic data, not security sensitive
	}
}

func (g *Generator) jitter(scale float64) float64 {
	return (g.rng.Float64()*2 - 1) * scale
}

func record(id string, lat, lon float64, ts time.Time, label string) Record {
	return Record{
		Ping:      detection.Ping{EntityID: id, Lat: lat, Lon: lon, Timestamp: ts.UTC().Truncate(time.Second)},
		IsAnomaly: label != LabelNormal,
		Label:     label,
	}
}

// Normal walks every segment of the path with 8 to 12 noisy pings per
// segment, 1 to 2 minutes apart.
func (g *Generator) Normal(id string, start time.Time) []Record {
	wps := g.path.Waypoints()
	var out []Record
	ts := start
	for i := 0; i+1 < len(wps); i++ {
		from, to := wps[i], wps[i+1]
		steps := minSegmentSteps + g.rng.Intn(maxSegmentSteps-minSegmentSteps+1)
		for j := 0; j < steps; j++ {
			progress := float64(j) / float64(steps-1)
			lat := from.Lat() + (to.Lat()-from.Lat())*progress + g.jitter(gpsNoiseDeg)
			lon := from.Lon() + (to.Lon()-from.Lon())*progress + g.jitter(gpsNoiseDeg)
			out = append(out, record(id, lat, lon, ts, LabelNormal))
			ts = ts.Add(time.Minute + time.Duration(g.rng.Float64()*float64(time.Minute)))
		}
	}
	return out
}

// Stop emits a few normal pings at the second waypoint followed by a run of
// near-stationary pings one minute apart.
func (g *Generator) Stop(id string, start time.Time) []Record {
	wp := g.path.Waypoints()[1]
	out := make([]Record, 0, stopLeadPings+stopPings)
	ts := start
	for i := 0; i < stopLeadPings; i++ {
		out = append(out, record(id, wp.Lat()+g.jitter(gpsNoiseDeg), wp.Lon()+g.jitter(gpsNoiseDeg), ts, LabelNormal))
		ts = ts.Add(time.Minute)
	}
	for i := 0; i < stopPings; i++ {
		out = append(out, record(id, wp.Lat()+g.jitter(stopNoiseDeg), wp.Lon()+g.jitter(stopNoiseDeg), ts, LabelStop))
		ts = ts.Add(time.Minute)
	}
	return out
}

// Deviation starts on the third waypoint and then wanders roughly 450m off
// the path, across the direction of travel so no later waypoint is near.
func (g *Generator) Deviation(id string, start time.Time) []Record {
	wp := g.path.Waypoints()[min(2, len(g.path.Waypoints())-1)]
	out := []Record{record(id, wp.Lat(), wp.Lon(), start, LabelNormal)}
	ts := start.Add(time.Minute)
	lat, lon := wp.Lat()+deviationDeg, wp.Lon()-deviationDeg
	for i := 0; i < deviationPings; i++ {
		out = append(out, record(id, lat+g.jitter(gpsNoiseDeg), lon+g.jitter(gpsNoiseDeg), ts, LabelDeviation))
		ts = ts.Add(time.Minute)
	}
	return out
}

// DatasetConfig sizes a generated dataset.
type DatasetConfig struct {
	Start      time.Time
	Normal     int
	Stops      int
	Deviations int
}

// Dataset generates cfg.Normal walkers followed by the stop and deviation
// scenarios. Tourist IDs are sequential integers starting at 1.
func (g *Generator) Dataset(cfg DatasetConfig) []Record {
	var out []Record
	id := 0
	next := func() string {
		id++
		return strconv.Itoa(id)
	}
	for i := 0; i < cfg.Normal; i++ {
		out = append(out, g.Normal(next(), cfg.Start.Add(time.Duration(i)*5*time.Minute))...)
	}
	for i := 0; i < cfg.Stops; i++ {
		out = append(out, g.Stop(next(), cfg.Start.Add(30*time.Minute+time.Duration(i)*20*time.Minute))...)
	}
	for i := 0; i < cfg.Deviations; i++ {
		out = append(out, g.Deviation(next(), cfg.Start.Add(time.Hour+time.Duration(i)*10*time.Minute))...)
	}
	return out
}

// Pings strips the labels.
func Pings(records []Record) []detection.Ping {
	out := make([]detection.Ping, len(records))
	for i, r := range records {
		out[i] = r.Ping
	}
	return out
}
