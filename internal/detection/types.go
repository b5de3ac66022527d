// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package detection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies which check produced an anomaly.
type Kind string

const (
	// KindStop flags an entity dwelling in one place for too long.
	KindStop Kind = "stop"

	// KindDeviation flags a ping too far from the reference path.
	KindDeviation Kind = "deviation"

	// KindPattern flags a movement step the pattern model scores as unusual.
	KindPattern Kind = "pattern"
)

// Kinds lists every anomaly kind in reporting order.
var Kinds = []Kind{KindStop, KindDeviation, KindPattern}

// Severity indicates how urgently an anomaly should be looked at.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Severity maps a kind to the severity used by notifiers.
func (k Kind) Severity() Severity {
	switch k {
	case KindDeviation:
		return SeverityCritical
	case KindStop:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Timestamp layouts accepted from clients. Both are zone-less and read as UTC.
const (
	TimestampLayout      = "2006-01-02T15:04:05"
	TimestampLayoutSpace = "2006-01-02 15:04:05"
)

// ParseTimestamp accepts YYYY-MM-DDTHH:MM:SS or YYYY-MM-DD HH:MM:SS.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{TimestampLayout, TimestampLayoutSpace} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: use YYYY-MM-DDTHH:MM:SS or YYYY-MM-DD HH:MM:SS", s)
}

// FormatTimestamp renders t in the primary client layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Ping is a single geolocation observation of one entity.
type Ping struct {
	EntityID  string    `json:"tourist_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// Anomaly is a flagged observation.
type Anomaly struct {
	EntityID   string    `json:"tourist_id"`
	Timestamp  time.Time `json:"timestamp"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Kind       Kind      `json:"type"`
	Detail     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
}

func newAnomaly(p Ping, kind Kind, detail string, confidence float64) Anomaly {
	return Anomaly{
		EntityID:   p.EntityID,
		Timestamp:  p.Timestamp,
		Lat:        p.Lat,
		Lon:        p.Lon,
		Kind:       kind,
		Detail:     detail,
		Confidence: confidence,
	}
}

// Detector is a deterministic rule evaluated over one entity's pings.
// Input must be sorted by timestamp.
type Detector interface {
	Kind() Kind
	Detect(pings []Ping) []Anomaly
}

// Notifier delivers anomalies to an external system.
type Notifier interface {
	Send(ctx context.Context, a *Anomaly) error
	Name() string
	Enabled() bool
}

// PingSource provides the dataset for a full model retrain.
type PingSource interface {
	AllPings(ctx context.Context) ([]Ping, error)
}

// Recorder persists accepted pings together with what was flagged on them.
type Recorder interface {
	Record(ctx context.Context, p Ping, kinds []Kind) error
}

// SortPings orders pings by timestamp in place, keeping the input order of
// equal timestamps.
func SortPings(pings []Ping) {
	sort.SliceStable(pings, func(i, j int) bool {
		return pings[i].Timestamp.Before(pings[j].Timestamp)
	})
}

// Group is one entity's pings in timestamp order.
type Group struct {
	EntityID string
	Pings    []Ping
}

// GroupByEntity splits pings per entity, in order of each entity's first
// appearance, and sorts each group by timestamp. The input is not modified.
func GroupByEntity(pings []Ping) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, p := range pings {
		i, ok := index[p.EntityID]
		if !ok {
			i = len(groups)
			index[p.EntityID] = i
			groups = append(groups, Group{EntityID: p.EntityID})
		}
		groups[i].Pings = append(groups[i].Pings, p)
	}
	for i := range groups {
		SortPings(groups[i].Pings)
	}
	return groups
}

func kindsOf(anomalies []Anomaly) []Kind {
	if len(anomalies) == 0 {
		return nil
	}
	kinds := make([]Kind, 0, len(anomalies))
	for _, a := range anomalies {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}
