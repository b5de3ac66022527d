// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package main

import (
	"context"

	"github.com/tomtom215/trailwatch/internal/config"
	"github.com/tomtom215/trailwatch/internal/detection"
	"github.com/tomtom215/trailwatch/internal/logging"
	"github.com/tomtom215/trailwatch/internal/simulate"
	"github.com/tomtom215/trailwatch/internal/supervisor"
	"github.com/tomtom215/trailwatch/internal/supervisor/services"
)

// initModel trains the pattern model from the seed file, if any, and
// schedules retraining. A seed file that is missing or unusable is logged
// and skipped so the server still starts with rules only.
func initModel(ctx context.Context, cfg *config.Config, engine *detection.Engine, tree *supervisor.Tree) bool {
	if !cfg.Model.Enabled {
		logging.Info().Msg("Pattern model disabled (MODEL_ENABLED=false)")
		return false
	}

	seeded := false
	if path := cfg.Model.SeedDataPath; path != "" {
		seeded = trainFromSeed(ctx, cfg, engine, path)
	}

	tree.Add(supervisor.LayerData, services.NewRetrainService(engine, services.RetrainServiceConfig{
		TrainOnStartup: cfg.Model.TrainOnStartup && !seeded,
		Interval:       cfg.Model.TrainInterval,
		Timeout:        cfg.Model.TrainTimeout,
	}, logging.Logger()))
	return seeded
}

func trainFromSeed(ctx context.Context, cfg *config.Config, engine *detection.Engine, path string) bool {
	records, err := simulate.LoadFile(path)
	if err != nil {
		logging.Warn().Err(err).Str("file", path).Msg("Seed data not loaded, model will train on demand")
		return false
	}

	trainCtx := ctx
	if cfg.Model.TrainTimeout > 0 {
		var cancel context.CancelFunc
		trainCtx, cancel = context.WithTimeout(ctx, cfg.Model.TrainTimeout)
		defer cancel()
	}
	if err := engine.Train(trainCtx, simulate.Pings(records)); err != nil {
		logging.Warn().Err(err).Str("file", path).Msg("Seed training failed, model will train on demand")
		return false
	}
	logging.Info().Str("file", path).Int("points", len(records)).Msg("Pattern model trained from seed data")
	return true
}
