// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package geo holds the great-circle math and the planned reference path
// that deviation checks and pattern features are measured against.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// EarthRadiusMeters is the mean Earth radius used by Distance. orb.EarthRadius
// is the equatorial radius and gives slightly longer distances.
const EarthRadiusMeters = 6371000.0

// ErrPathTooShort is returned when a reference path has fewer than two waypoints.
var ErrPathTooShort = errors.New("reference path needs at least two waypoints")

// Waypoint is an orb.Point, which stores longitude first.
type Waypoint = orb.Point

// NewWaypoint builds a waypoint from latitude and longitude in that order.
func NewWaypoint(lat, lon float64) Waypoint {
	return orb.Point{lon, lat}
}

// DistanceCoords returns the haversine distance in meters between two coordinates.
func DistanceCoords(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// Rounding can push a a hair past 1 for antipodal points.
	a = math.Min(1, math.Max(0, a))
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Distance returns the haversine distance in meters between two waypoints.
func Distance(a, b Waypoint) float64 {
	return DistanceCoords(a.Lat(), a.Lon(), b.Lat(), b.Lon())
}

// ReferencePath is the planned route, an ordered line of at least two waypoints.
type ReferencePath struct {
	line orb.LineString
}

// NewReferencePath copies waypoints into a path.
func NewReferencePath(waypoints ...Waypoint) (*ReferencePath, error) {
	if len(waypoints) < 2 {
		return nil, ErrPathTooShort
	}
	line := make(orb.LineString, len(waypoints))
	copy(line, waypoints)
	return &ReferencePath{line: line}, nil
}

// ParseReferencePath reads "lat,lon;lat,lon;..." as used in configuration.
func ParseReferencePath(s string) (*ReferencePath, error) {
	var points []Waypoint
	for i, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		latStr, lonStr, ok := strings.Cut(part, ",")
		if !ok {
			return nil, fmt.Errorf("waypoint %d %q: expected lat,lon", i, part)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
		if err != nil {
			return nil, fmt.Errorf("waypoint %d latitude: %w", i, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
		if err != nil {
			return nil, fmt.Errorf("waypoint %d longitude: %w", i, err)
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return nil, fmt.Errorf("waypoint %d (%v,%v) out of range", i, lat, lon)
		}
		points = append(points, NewWaypoint(lat, lon))
	}
	return NewReferencePath(points...)
}

// Waypoints returns a copy of the path's points.
func (p *ReferencePath) Waypoints() []Waypoint {
	out := make([]Waypoint, len(p.line))
	copy(out, p.line)
	return out
}

// Segments returns the number of consecutive waypoint pairs.
func (p *ReferencePath) Segments() int {
	return len(p.line) - 1
}

// Centroid is the arithmetic mean of the waypoints, not the length-weighted
// centroid of the line.
func (p *ReferencePath) Centroid() Waypoint {
	var lat, lon float64
	for _, pt := range p.line {
		lat += pt.Lat()
		lon += pt.Lon()
	}
	n := float64(len(p.line))
	return NewWaypoint(lat/n, lon/n)
}

// NearestEndpointDistance approximates distance-to-path as the distance to
// the closest segment endpoint. Points midway along a long segment can
// read farther from the path than they are.
func (p *ReferencePath) NearestEndpointDistance(lat, lon float64) float64 {
	best := math.Inf(1)
	for i := 0; i < len(p.line)-1; i++ {
		a, b := p.line[i], p.line[i+1]
		d := math.Min(
			DistanceCoords(lat, lon, a.Lat(), a.Lon()),
			DistanceCoords(lat, lon, b.Lat(), b.Lon()),
		)
		if d < best {
			best = d
		}
	}
	return best
}

// String renders the path in the configuration format.
func (p *ReferencePath) String() string {
	parts := make([]string, len(p.line))
	for i, pt := range p.line {
		parts[i] = strconv.FormatFloat(pt.Lat(), 'f', -1, 64) + "," + strconv.FormatFloat(pt.Lon(), 'f', -1, 64)
	}
	return strings.Join(parts, ";")
}
