// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package supervisor runs the long-lived services of the server in a
// suture supervision tree.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Layer selects the child supervisor a service runs under. A service that
// keeps failing only backs off its own layer.
type Layer int

const (
	// LayerData holds the archive GC loop and the model retrain schedule.
	LayerData Layer = iota
	// LayerMessaging holds NATS ingestion and notification dispatch.
	LayerMessaging
	// LayerAPI holds the HTTP server.
	LayerAPI
)

func (l Layer) String() string {
	switch l {
	case LayerData:
		return "data-layer"
	case LayerMessaging:
		return "messaging-layer"
	case LayerAPI:
		return "api-layer"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

var layers = []Layer{LayerData, LayerMessaging, LayerAPI}

// TreeConfig holds the restart policy shared by every supervisor.
type TreeConfig struct {
	// FailureThreshold is the decayed failure count that triggers backoff.
	FailureThreshold float64

	// FailureDecay is the failure half-life in seconds.
	FailureDecay float64

	// FailureBackoff is how long a layer pauses once over the threshold.
	FailureBackoff time.Duration

	// ShutdownTimeout is how long each service gets to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's stock restart policy.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

func (c TreeConfig) withDefaults() TreeConfig {
	d := DefaultTreeConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureDecay <= 0 {
		c.FailureDecay = d.FailureDecay
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = d.FailureBackoff
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Tree is the root supervisor with one child per Layer.
type Tree struct {
	root     *suture.Supervisor
	children map[Layer]*suture.Supervisor
	config   TreeConfig

	mu    sync.Mutex
	names map[Layer][]string
}

// NewTree builds the supervisor hierarchy. Supervisor events are logged
// through logger via sutureslog.
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	config = config.withDefaults()

	// MustHook has a pointer receiver.
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()

	spec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = hook

	t := &Tree{
		root:     suture.New("trailwatch", rootSpec),
		children: make(map[Layer]*suture.Supervisor, len(layers)),
		config:   config,
		names:    make(map[Layer][]string, len(layers)),
	}
	for _, l := range layers {
		child := suture.New(l.String(), spec)
		t.children[l] = child
		t.root.Add(child)
	}
	return t
}

// Add starts svc under layer once the tree is serving, or immediately if
// it already is.
func (t *Tree) Add(layer Layer, svc suture.Service) suture.ServiceToken {
	child, ok := t.children[layer]
	if !ok {
		panic(fmt.Sprintf("supervisor: unknown %v", layer))
	}
	t.mu.Lock()
	t.names[layer] = append(t.names[layer], fmt.Sprint(svc))
	t.mu.Unlock()
	return child.Add(svc)
}

// Remove stops a service added to layer.
func (t *Tree) Remove(layer Layer, token suture.ServiceToken) error {
	child, ok := t.children[layer]
	if !ok {
		return fmt.Errorf("supervisor: unknown %v", layer)
	}
	return child.Remove(token)
}

// Services lists the names added per layer, for startup logging.
func (t *Tree) Services() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]string, len(t.names))
	for l, names := range t.names {
		out[l.String()] = append([]string(nil), names...)
	}
	return out
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine. The channel receives the
// result of Serve.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
