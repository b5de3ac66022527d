// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package archive persists ingested pings in BadgerDB so the pattern model
// can retrain on more than the in-memory history and so history survives a
// restart.
package archive

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/trailwatch/internal/detection"
	"github.com/tomtom215/trailwatch/internal/logging"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("archive is closed")

var prefixPing = []byte("ping:")

// Config configures the store.
type Config struct {
	Path string
	// InMemory keeps everything in RAM. Path is ignored.
	InMemory bool
	// Retention sets a TTL on each record. Zero keeps records forever.
	Retention  time.Duration
	SyncWrites bool
	// GCInterval is how often RunWithContext reclaims value log space.
	GCInterval   time.Duration
	CloseTimeout time.Duration
}

// record is the stored form of one ping.
type record struct {
	TouristID  string           `json:"tourist_id"`
	Lat        float64          `json:"lat"`
	Lon        float64          `json:"lon"`
	Timestamp  time.Time        `json:"timestamp"`
	Kinds      []detection.Kind `json:"kinds,omitempty"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// Store is a Badger-backed ping archive. It implements detection.Recorder
// and detection.PingSource.
type Store struct {
	db     *badger.DB
	config Config

	writes atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the archive.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("archive path is required")
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 10 * time.Minute
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Dur("retention", cfg.Retention).
		Msg("ping archive opened")
	return &Store{db: db, config: cfg}, nil
}

// pingKey orders records by entity then timestamp. The sign bit is flipped
// so pre-1970 timestamps still sort first; the uuid keeps equal timestamps
// from overwriting each other.
func pingKey(entityID string, ts time.Time) []byte {
	key := make([]byte, 0, len(prefixPing)+len(entityID)+1+8+16)
	key = append(key, prefixPing...)
	key = append(key, entityID...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, uint64(ts.UnixNano())^(1<<63)) //nolint:gosec // bit pattern only
	id := uuid.New()
	return append(key, id[:]...)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Record stores one ping and the kinds flagged on it.
func (s *Store) Record(ctx context.Context, p detection.Ping, kinds []detection.Kind) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(record{
		TouristID:  p.EntityID,
		Lat:        p.Lat,
		Lon:        p.Lon,
		Timestamp:  p.Timestamp,
		Kinds:      kinds,
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal ping: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(pingKey(p.EntityID, p.Timestamp), data)
		if s.config.Retention > 0 {
			e = e.WithTTL(s.config.Retention)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("write to BadgerDB: %w", err)
	}
	s.writes.Add(1)
	return nil
}

// scan visits every record in key order.
func (s *Store) scan(ctx context.Context, prefix []byte, fn func(record)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var r record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("skipping unreadable archive record")
				continue
			}
			fn(r)
		}
		return nil
	})
}

// AllPings returns every archived ping, grouped by entity and in timestamp
// order within each entity.
func (s *Store) AllPings(ctx context.Context) ([]detection.Ping, error) {
	var out []detection.Ping
	err := s.scan(ctx, prefixPing, func(r record) {
		out = append(out, r.ping())
	})
	if err != nil {
		return nil, fmt.Errorf("iterate archive: %w", err)
	}
	return out, nil
}

// EntityPings returns one entity's archived pings in timestamp order.
func (s *Store) EntityPings(ctx context.Context, entityID string) ([]detection.Ping, error) {
	prefix := make([]byte, 0, len(prefixPing)+len(entityID)+1)
	prefix = append(append(append(prefix, prefixPing...), entityID...), 0)
	var out []detection.Ping
	err := s.scan(ctx, prefix, func(r record) {
		out = append(out, r.ping())
	})
	if err != nil {
		return nil, fmt.Errorf("iterate archive: %w", err)
	}
	return out, nil
}

// LoadEntries returns, per entity, the newest perEntity records as history
// entries, oldest first.
func (s *Store) LoadEntries(ctx context.Context, perEntity int) ([]detection.Entry, error) {
	if perEntity <= 0 {
		perEntity = detection.DefaultHistoryCapacity
	}
	var order []string
	byID := make(map[string][]detection.Entry)
	err := s.scan(ctx, prefixPing, func(r record) {
		list, seen := byID[r.TouristID]
		if !seen {
			order = append(order, r.TouristID)
		}
		list = append(list, detection.Entry{Ping: r.ping(), Kinds: r.Kinds})
		if len(list) > perEntity {
			list = list[len(list)-perEntity:]
		}
		byID[r.TouristID] = list
	})
	if err != nil {
		return nil, fmt.Errorf("iterate archive: %w", err)
	}

	var out []detection.Entry
	for _, id := range order {
		out = append(out, byID[id]...)
	}
	return out, nil
}

// Count returns the number of archived records.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixPing
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefixPing); it.ValidForPrefix(prefixPing); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Writes returns the number of records written since Open.
func (s *Store) Writes() int64 {
	return s.writes.Load()
}

func (r record) ping() detection.Ping {
	return detection.Ping{EntityID: r.TouristID, Lat: r.Lat, Lon: r.Lon, Timestamp: r.Timestamp}
}

// RunGC reclaims value log space until Badger reports nothing to rewrite.
func (s *Store) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.config.InMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// RunWithContext runs periodic garbage collection until ctx is done.
func (s *Store) RunWithContext(ctx context.Context) error {
	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("archive GC failed")
			}
		}
	}
}

// Close flushes and closes the database, giving up after CloseTimeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.db.Close() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Int64("writes", s.writes.Load()).Msg("ping archive closed")
		return nil
	case <-time.After(s.config.CloseTimeout):
		return fmt.Errorf("badgerdb close timeout after %v", s.config.CloseTimeout)
	}
}
