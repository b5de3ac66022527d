// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package geo

import (
	"errors"
	"math"
	"testing"
)

const defaultPath = "12.9716,77.5946;12.9726,77.5956;12.9736,77.5966;12.9746,77.5976;12.9756,77.5986"

func TestDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Waypoint
		min, max float64
	}{
		{"same point", NewWaypoint(12.9716, 77.5946), NewWaypoint(12.9716, 77.5946), 0, 0},
		{"0.0001 deg north", NewWaypoint(12.9716, 77.5946), NewWaypoint(12.9717, 77.5946), 11, 12},
		{"0.0001 deg both axes", NewWaypoint(12.9716, 77.5946), NewWaypoint(12.9717, 77.5947), 15, 16},
		{"one degree latitude", NewWaypoint(0, 0), NewWaypoint(1, 0), 111100, 111300},
		{"antipodal", NewWaypoint(0, 0), NewWaypoint(0, 180), math.Pi*EarthRadiusMeters - 1, math.Pi*EarthRadiusMeters + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Distance(tt.a, tt.b)
			if d < tt.min || d > tt.max {
				t.Errorf("Distance = %.3f, want in [%v, %v]", d, tt.min, tt.max)
			}
			if back := Distance(tt.b, tt.a); math.Abs(back-d) > 1e-9 {
				t.Errorf("not symmetric: %v vs %v", d, back)
			}
		})
	}
}

func TestParseReferencePath(t *testing.T) {
	p, err := ParseReferencePath(defaultPath)
	if err != nil {
		t.Fatalf("ParseReferencePath: %v", err)
	}
	if p.Segments() != 4 {
		t.Errorf("Segments = %d, want 4", p.Segments())
	}
	if got := p.String(); got != defaultPath {
		t.Errorf("String = %q, want %q", got, defaultPath)
	}
	c := p.Centroid()
	if math.Abs(c.Lat()-12.9736) > 1e-9 || math.Abs(c.Lon()-77.5966) > 1e-9 {
		t.Errorf("Centroid = %v, want (12.9736, 77.5966)", c)
	}

	bad := []string{"", "12.97,77.59", "12.97;77.59", "abc,1;2,3", "95,0;1,1"}
	for _, s := range bad {
		if _, err := ParseReferencePath(s); err == nil {
			t.Errorf("ParseReferencePath(%q) expected error", s)
		}
	}
	if _, err := ParseReferencePath("1,1"); !errors.Is(err, ErrPathTooShort) {
		t.Errorf("single waypoint: got %v, want ErrPathTooShort", err)
	}
}

func TestNearestEndpointDistance(t *testing.T) {
	p, err := ParseReferencePath(defaultPath)
	if err != nil {
		t.Fatal(err)
	}
	if d := p.NearestEndpointDistance(12.9736, 77.5966); d != 0 {
		t.Errorf("on waypoint: got %v, want 0", d)
	}
	// About 555 m north of the last waypoint.
	d := p.NearestEndpointDistance(12.9806, 77.5986)
	if d < 550 || d > 560 {
		t.Errorf("off-path distance = %.1f, want ~555", d)
	}
	// Midpoint of a segment is still close to one of its ends.
	if d := p.NearestEndpointDistance(12.9721, 77.5951); d > 100 {
		t.Errorf("segment midpoint distance = %.1f, want < 100", d)
	}
}
