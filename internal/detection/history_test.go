// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package detection

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestHistoryStoreEviction(t *testing.T) {
	s := NewHistoryStore(3)
	for i := 0; i < 5; i++ {
		s.Append("a", Entry{Ping: ping("a", float64(i), 0, float64(i))})
	}
	got := s.Get("a")
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, p := range got {
		if p.Lat != float64(i+2) {
			t.Errorf("position %d holds lat %v, want %v (oldest evicted first)", i, p.Lat, i+2)
		}
	}
}

func TestHistoryStoreDefaultCapacity(t *testing.T) {
	s := NewHistoryStore(0)
	if s.Capacity() != DefaultHistoryCapacity {
		t.Fatalf("capacity = %d", s.Capacity())
	}
	for i := 0; i < 150; i++ {
		s.Append("a", Entry{Ping: ping("a", 0, 0, float64(i))})
	}
	if n := len(s.Get("a")); n != 100 {
		t.Errorf("len = %d, want 100", n)
	}
}

func TestHistoryStoreUnknownEntity(t *testing.T) {
	s := NewHistoryStore(10)
	if got := s.Get("nobody"); got == nil || len(got) != 0 {
		t.Errorf("Get(unknown) = %v, want empty non-nil slice", got)
	}
	if _, ok := s.Entries("nobody"); ok {
		t.Error("Entries(unknown) reported known")
	}
	if len(s.Entities()) != 0 {
		t.Error("Get must not create entities")
	}
}

func TestHistoryStoreGetReturnsCopy(t *testing.T) {
	s := NewHistoryStore(10)
	s.Append("a", Entry{Ping: ping("a", 1, 1, 0)})
	got := s.Get("a")
	got[0].Lat = 99
	if s.Get("a")[0].Lat != 1 {
		t.Error("caller mutation leaked into the store")
	}
}

func TestHistoryStoreStats(t *testing.T) {
	s := NewHistoryStore(10)
	s.Append("a", Entry{Ping: ping("a", 1, 1, 0)})
	s.Append("a", Entry{Ping: ping("a", 1, 1, 1), Kinds: []Kind{KindStop}})
	s.Append("b", Entry{Ping: ping("b", 1, 1, 0), Kinds: []Kind{KindDeviation, KindStop}})

	st := s.Stats()
	want := HistoryStats{Entities: 2, Points: 3, FlaggedPoints: 2}
	if st != want {
		t.Errorf("Stats = %+v, want %+v", st, want)
	}

	all, err := s.AllPings(context.Background())
	if err != nil || len(all) != 3 {
		t.Errorf("AllPings = %d, %v", len(all), err)
	}
	if ids := s.Entities(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("Entities = %v", ids)
	}
}

func TestHistoryStoreCountsTrackStats(t *testing.T) {
	s := NewHistoryStore(3)
	for i := 0; i < 7; i++ {
		s.Append("a", Entry{Ping: ping("a", 0, 0, float64(i))})
	}
	for i := 0; i < 2; i++ {
		s.Update("b", func([]Ping) Entry { return Entry{Ping: ping("b", 0, 0, float64(i))} })
	}
	for i := 0; i < 5; i++ {
		s.Update("c", func([]Ping) Entry { return Entry{Ping: ping("c", 0, 0, float64(i))} })
	}
	s.Get("unknown")

	entities, points := s.Counts()
	st := s.Stats()
	if entities != st.Entities || points != st.Points {
		t.Errorf("Counts = (%d, %d), Stats = (%d, %d)", entities, points, st.Entities, st.Points)
	}
	if entities != 3 || points != 8 {
		t.Errorf("Counts = (%d, %d), want (3, 8)", entities, points)
	}
}

func TestHistoryStoreUpdateIsAtomicPerEntity(t *testing.T) {
	s := NewHistoryStore(1000)
	const workers, per = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				s.Update("shared", func(history []Ping) Entry {
					// The lat encodes how many pings were visible before this one.
					return Entry{Ping: Ping{EntityID: "shared", Lat: float64(len(history))}}
				})
				s.Append(fmt.Sprintf("own-%d", w), Entry{})
			}
		}(w)
	}
	wg.Wait()

	got := s.Get("shared")
	if len(got) != workers*per {
		t.Fatalf("len = %d, want %d", len(got), workers*per)
	}
	for i, p := range got {
		if p.Lat != float64(i) {
			t.Fatalf("update %d saw %v prior pings; updates were not serialized", i, p.Lat)
		}
	}
	if st := s.Stats(); st.Entities != workers+1 {
		t.Errorf("entities = %d, want %d", st.Entities, workers+1)
	}
	if entities, points := s.Counts(); entities != workers+1 || points != 2*workers*per {
		t.Errorf("Counts = (%d, %d), want (%d, %d)", entities, points, workers+1, 2*workers*per)
	}
}
