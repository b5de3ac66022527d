// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package detection

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultHistoryCapacity is the number of pings kept per entity.
const DefaultHistoryCapacity = 100

// Entry is a buffered ping and the kinds flagged on it when it was ingested.
type Entry struct {
	Ping  Ping   `json:"ping"`
	Kinds []Kind `json:"kinds,omitempty"`
}

// Flagged reports whether any anomaly was raised on the ping.
func (e Entry) Flagged() bool {
	return len(e.Kinds) > 0
}

// entityBuffer is a bounded FIFO of entries for one entity.
type entityBuffer struct {
	mu      sync.Mutex
	entries []Entry
}

// HistoryStore keeps the most recent pings of each entity in memory.
// Each entity has its own lock so ingesting different entities never contends.
type HistoryStore struct {
	capacity int

	mu      sync.RWMutex
	buffers map[string]*entityBuffer

	// Running totals for the hot path; Stats recounts from the buffers.
	entities atomic.Int64
	points   atomic.Int64
}

// HistoryStats summarizes the store.
type HistoryStats struct {
	Entities      int `json:"entities"`
	Points        int `json:"points"`
	FlaggedPoints int `json:"flagged_points"`
}

// NewHistoryStore creates a store with the given per-entity capacity.
// Non-positive capacity uses DefaultHistoryCapacity.
func NewHistoryStore(capacity int) *HistoryStore {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &HistoryStore{
		capacity: capacity,
		buffers:  make(map[string]*entityBuffer),
	}
}

// Capacity returns the per-entity limit.
func (s *HistoryStore) Capacity() int {
	return s.capacity
}

func (s *HistoryStore) buffer(entityID string, create bool) *entityBuffer {
	s.mu.RLock()
	b := s.buffers[entityID]
	s.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b = s.buffers[entityID]; b == nil {
		b = &entityBuffer{entries: make([]Entry, 0, s.capacity)}
		s.buffers[entityID] = b
		s.entities.Add(1)
	}
	return b
}

// push must be called with b.mu held. It reports whether the buffer grew.
func (b *entityBuffer) push(e Entry, capacity int) bool {
	if len(b.entries) < capacity {
		b.entries = append(b.entries, e)
		return true
	}
	copy(b.entries, b.entries[1:])
	b.entries[len(b.entries)-1] = e
	return false
}

func (b *entityBuffer) pings() []Ping {
	out := make([]Ping, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Ping
	}
	return out
}

// Append adds an entry, evicting the oldest once the entity is at capacity.
func (s *HistoryStore) Append(entityID string, e Entry) {
	b := s.buffer(entityID, true)
	b.mu.Lock()
	if b.push(e, s.capacity) {
		s.points.Add(1)
	}
	b.mu.Unlock()
}

// Update runs fn with a copy of the entity's buffered pings and appends the
// entry it returns, all under the entity's lock. Two concurrent updates for
// the same entity therefore see each other's pings.
func (s *HistoryStore) Update(entityID string, fn func(history []Ping) Entry) Entry {
	b := s.buffer(entityID, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	e := fn(b.pings())
	if b.push(e, s.capacity) {
		s.points.Add(1)
	}
	return e
}

// Get returns a copy of the entity's pings in insertion order, or an empty
// slice for an unknown entity.
func (s *HistoryStore) Get(entityID string) []Ping {
	b := s.buffer(entityID, false)
	if b == nil {
		return []Ping{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pings()
}

// Entries returns a copy of the entity's entries and whether it is known.
func (s *HistoryStore) Entries(entityID string) ([]Entry, bool) {
	b := s.buffer(entityID, false)
	if b == nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out, true
}

// Entities returns the known entity IDs sorted.
func (s *HistoryStore) Entities() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Counts returns the number of entities and buffered points without
// walking the buffers.
func (s *HistoryStore) Counts() (entities, points int) {
	return int(s.entities.Load()), int(s.points.Load())
}

// Stats counts entities, buffered points and flagged points.
func (s *HistoryStore) Stats() HistoryStats {
	s.mu.RLock()
	buffers := make([]*entityBuffer, 0, len(s.buffers))
	for _, b := range s.buffers {
		buffers = append(buffers, b)
	}
	s.mu.RUnlock()

	st := HistoryStats{Entities: len(buffers)}
	for _, b := range buffers {
		b.mu.Lock()
		st.Points += len(b.entries)
		for _, e := range b.entries {
			if e.Flagged() {
				st.FlaggedPoints++
			}
		}
		b.mu.Unlock()
	}
	return st
}

// AllPings returns every buffered ping, entity by entity in ID order.
// It satisfies PingSource so the model can retrain from memory.
func (s *HistoryStore) AllPings(ctx context.Context) ([]Ping, error) {
	var out []Ping
	for _, id := range s.Entities() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, s.Get(id)...)
	}
	return out, nil
}
