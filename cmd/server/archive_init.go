// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package main

import (
	"context"
	"fmt"

	"github.com/tomtom215/trailwatch/internal/archive"
	"github.com/tomtom215/trailwatch/internal/config"
	"github.com/tomtom215/trailwatch/internal/detection"
	"github.com/tomtom215/trailwatch/internal/logging"
	"github.com/tomtom215/trailwatch/internal/supervisor"
	"github.com/tomtom215/trailwatch/internal/supervisor/services"
)

// initArchive opens the ping archive and makes it the engine's recorder and
// retrain source. It returns nil when the archive is disabled.
func initArchive(ctx context.Context, cfg *config.Config, engine *detection.Engine, tree *supervisor.Tree) (*archive.Store, error) {
	if !cfg.Archive.Enabled {
		logging.Info().Msg("Ping archive disabled (ARCHIVE_ENABLED=false), retraining uses in-memory history")
		return nil, nil
	}

	store, err := archive.Open(archive.Config{
		Path:      cfg.Archive.Path,
		Retention: cfg.Archive.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("open ping archive: %w", err)
	}

	if cfg.Archive.Rehydrate {
		entries, err := store.LoadEntries(ctx, cfg.History.Capacity)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("rehydrate history: %w", err)
		}
		engine.Restore(entries)
		logging.Info().Int("entries", len(entries)).Msg("History rehydrated from archive")
	}

	engine.SetRecorder(store)
	engine.SetPingSource(store)
	tree.Add(supervisor.LayerData, services.NewRunnerService("archive-gc", store))
	return store, nil
}
