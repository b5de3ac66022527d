// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package ingest

import (
	"strconv"
	"sync"
	"time"

	"github.com/tomtom215/trailwatch/internal/detection"
)

// Deduper defaults.
const (
	DefaultDedupCapacity = 10000
	DefaultDedupTTL      = 10 * time.Minute
)

type dedupNode struct {
	key        string
	expiresAt  time.Time
	prev, next *dedupNode
}

// Deduper remembers recently ingested pings so broker redeliveries are not
// run through detection twice. It is a bounded LRU with lazy TTL expiry;
// the least recently seen key is evicted at capacity.
type Deduper struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	items map[string]*dedupNode
	// head.next is the most recent key, tail.prev the least recent.
	head, tail *dedupNode

	duplicates int64
}

// NewDeduper creates a deduper. Non-positive values use the defaults.
func NewDeduper(capacity int, ttl time.Duration) *Deduper {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	d := &Deduper{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[string]*dedupNode, capacity),
		head:     &dedupNode{},
		tail:     &dedupNode{},
	}
	d.head.next = d.tail
	d.tail.prev = d.head
	return d
}

// PingKey identifies a ping by entity and timestamp.
func PingKey(p detection.Ping) string {
	return p.EntityID + "|" + strconv.FormatInt(p.Timestamp.UnixNano(), 10)
}

// Seen records key and reports whether it was already present and unexpired.
// A repeat refreshes the key's expiry.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if n, ok := d.items[key]; ok {
		if now.Before(n.expiresAt) {
			n.expiresAt = now.Add(d.ttl)
			d.unlink(n)
			d.pushFront(n)
			d.duplicates++
			return true
		}
		d.unlink(n)
		delete(d.items, key)
	}

	n := &dedupNode{key: key, expiresAt: now.Add(d.ttl)}
	d.pushFront(n)
	d.items[key] = n
	for len(d.items) > d.capacity {
		oldest := d.tail.prev
		d.unlink(oldest)
		delete(d.items, oldest.key)
	}
	return false
}

// Len returns the number of tracked keys, expired ones included until they
// are touched or evicted.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Duplicates returns how many repeats Seen has reported.
func (d *Deduper) Duplicates() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duplicates
}

func (d *Deduper) pushFront(n *dedupNode) {
	n.prev = d.head
	n.next = d.head.next
	d.head.next.prev = n
	d.head.next = n
}

func (d *Deduper) unlink(n *dedupNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
}
