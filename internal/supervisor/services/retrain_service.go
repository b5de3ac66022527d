// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/trailwatch/internal/detection"
)

// Retrainer refits the shared pattern model from its ping source.
// Satisfied by *detection.Engine.
type Retrainer interface {
	Retrain(ctx context.Context) error
}

// RetrainServiceConfig controls the retraining schedule.
type RetrainServiceConfig struct {
	// TrainOnStartup fits once as soon as the service starts.
	TrainOnStartup bool

	// Interval between scheduled fits. Zero disables the schedule.
	Interval time.Duration

	// Timeout bounds a single fit.
	Timeout time.Duration
}

// RetrainService periodically refits the pattern model.
type RetrainService struct {
	engine Retrainer
	config RetrainServiceConfig
	logger zerolog.Logger
	name   string
}

// NewRetrainService creates the service.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewRetrainService(engine Retrainer, cfg RetrainServiceConfig, logger zerolog.Logger) *RetrainService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &RetrainService{
		engine: engine,
		config: cfg,
		logger: logger.With().Str("service", "retrain").Logger(),
		name:   "model-retrain",
	}
}

// Serve implements suture.Service. Failed fits are logged and retried on
// the next tick, never returned, so a bad dataset does not cause restarts.
func (s *RetrainService) Serve(ctx context.Context) error {
	s.logger.Info().
		Bool("train_on_startup", s.config.TrainOnStartup).
		Dur("interval", s.config.Interval).
		Msg("retrain service starting")

	if s.config.TrainOnStartup {
		s.train(ctx, "startup")
	}

	if s.config.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("retrain service shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.train(ctx, "scheduled")
		}
	}
}

func (s *RetrainService) train(ctx context.Context, trigger string) {
	trainCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	start := time.Now()
	err := s.engine.Retrain(trainCtx)
	switch {
	case err == nil:
		s.logger.Info().Str("trigger", trigger).Dur("duration", time.Since(start)).Msg("model retrained")
	case errors.Is(err, detection.ErrNoTrainingData):
		s.logger.Debug().Str("trigger", trigger).Msg("no pings to train on yet")
	case errors.Is(err, detection.ErrTrainingInProgress):
		s.logger.Debug().Str("trigger", trigger).Msg("training already running")
	default:
		s.logger.Warn().Err(err).Str("trigger", trigger).Msg("model retrain failed")
	}
}

// String implements fmt.Stringer for suture's event log.
func (s *RetrainService) String() string {
	return s.name
}
