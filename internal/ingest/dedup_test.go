// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package ingest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/trailwatch/internal/detection"
)

func TestDeduperSeen(t *testing.T) {
	d := NewDeduper(10, time.Minute)
	if d.Seen("a") {
		t.Fatal("first Seen(a) = true, want false")
	}
	if !d.Seen("a") {
		t.Fatal("second Seen(a) = false, want true")
	}
	if d.Seen("b") {
		t.Error("Seen(b) = true, want false")
	}
	if got := d.Duplicates(); got != 1 {
		t.Errorf("Duplicates() = %d, want 1", got)
	}
}

func TestDeduperEvictsLeastRecent(t *testing.T) {
	d := NewDeduper(2, time.Minute)
	d.Seen("a")
	d.Seen("b")
	d.Seen("a") // a is now most recent
	d.Seen("c") // evicts b

	if d.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", d.Len())
	}
	if !d.Seen("a") {
		t.Error("a should still be tracked")
	}
	if d.Seen("b") {
		t.Error("b should have been evicted")
	}
}

func TestDeduperExpiry(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	d := NewDeduper(10, time.Minute)
	d.now = func() time.Time { return now }

	d.Seen("a")
	now = now.Add(30 * time.Second)
	if !d.Seen("a") {
		t.Fatal("a should be a duplicate within the ttl")
	}
	// The repeat refreshed the expiry.
	now = now.Add(45 * time.Second)
	if !d.Seen("a") {
		t.Fatal("a should still be tracked after refresh")
	}
	now = now.Add(2 * time.Minute)
	if d.Seen("a") {
		t.Error("a should have expired")
	}
}

func TestDeduperDefaults(t *testing.T) {
	d := NewDeduper(0, 0)
	if d.capacity != DefaultDedupCapacity || d.ttl != DefaultDedupTTL {
		t.Errorf("defaults = (%d, %v), want (%d, %v)", d.capacity, d.ttl, DefaultDedupCapacity, DefaultDedupTTL)
	}
}

func TestDeduperConcurrent(t *testing.T) {
	d := NewDeduper(1000, time.Minute)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				d.Seen(fmt.Sprintf("k%d", i))
			}
		}()
	}
	wg.Wait()
	if d.Len() != 100 {
		t.Errorf("Len() = %d, want 100", d.Len())
	}
	if got := d.Duplicates(); got != 700 {
		t.Errorf("Duplicates() = %d, want 700", got)
	}
}

func TestPingKey(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	a := PingKey(detection.Ping{EntityID: "1", Timestamp: ts, Lat: 1})
	b := PingKey(detection.Ping{EntityID: "1", Timestamp: ts, Lat: 2})
	c := PingKey(detection.Ping{EntityID: "1", Timestamp: ts.Add(time.Second)})
	if a != b {
		t.Errorf("same entity and time should share a key: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("different times should not share a key: %q", a)
	}
}

func TestHandleSkipsDuplicatePings(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewHandler(proc, nil, "anomalies", nil)
	h.SetDeduper(NewDeduper(10, time.Minute))

	body := `{"tourist_id":3,"lat":12.97,"lon":77.59,"timestamp":"2024-01-15T10:30:00"}`
	for i := 0; i < 3; i++ {
		if err := h.Handle(newMessage(t, body)); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}
	if proc.count() != 1 {
		t.Errorf("processor saw %d pings, want 1", proc.count())
	}
}
