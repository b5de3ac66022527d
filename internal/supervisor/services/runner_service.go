// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package services adapts application components to suture.Service.
package services

import (
	"context"
)

// Runner is a component with a blocking, context-bound background loop.
//
// Satisfied by *detection.Engine (notification dispatch) and
// *archive.Store (value log GC).
type Runner interface {
	RunWithContext(ctx context.Context) error
}

// RunnerService supervises a Runner under a fixed name.
//
// Example usage:
//
//	tree.AddMessagingService(services.NewRunnerService("notification-dispatcher", engine))
//	tree.AddDataService(services.NewRunnerService("archive-gc", store))
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService wraps runner.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service. It returns whatever the runner returns,
// which is ctx.Err() on normal shutdown.
func (s *RunnerService) Serve(ctx context.Context) error {
	return s.runner.RunWithContext(ctx)
}

// String implements fmt.Stringer for suture's event log.
func (s *RunnerService) String() string {
	return s.name
}
