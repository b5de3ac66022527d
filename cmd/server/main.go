// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package main is the entry point for the Trailwatch server.
//
// Trailwatch watches tourist GPS pings against a planned route and flags
// three kinds of anomaly: stopping too long, straying from the route, and
// movement that an isolation forest finds unusual.
//
// # Startup Order
//
//  1. Configuration: defaults, config.yaml, then environment (Koanf v2)
//  2. Detection engine: thresholds, reference path, history, pattern model
//  3. Archive (optional): Badger ping archive, history rehydration
//  4. Webhook notifier (optional)
//  5. NATS ingestion (optional): embedded server, watermill subscriber
//  6. Pattern model: seed file, startup training, retrain schedule
//  7. HTTP API on the supervisor tree
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the supervisor tree. Services get
// server.shutdown_timeout to stop, then NATS and the archive are closed.
//
// # Example Usage
//
//	./trailwatch
//
//	HTTP_PORT=8080 REFERENCE_PATH="12.97,77.59;12.98,77.60" ./trailwatch
//
//	NATS_ENABLED=true NATS_EMBEDDED=true ARCHIVE_ENABLED=true ./trailwatch
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/trailwatch/internal/api"
	"github.com/tomtom215/trailwatch/internal/config"
	"github.com/tomtom215/trailwatch/internal/detection"
	"github.com/tomtom215/trailwatch/internal/logging"
	"github.com/tomtom215/trailwatch/internal/notify"
	"github.com/tomtom215/trailwatch/internal/supervisor"
	"github.com/tomtom215/trailwatch/internal/supervisor/services"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(cfg.LoggingOptions())

	logging.Info().
		Str("version", version).
		Int("port", cfg.Server.Port).
		Bool("model", cfg.Model.Enabled).
		Bool("archive", cfg.Archive.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Starting Trailwatch")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal().Err(err).Msg("Server stopped with error")
	}
	logging.Info().Msg("Trailwatch stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return fmt.Errorf("detection config: %w", err)
	}
	engine, err := detection.NewEngine(engineCfg, logging.Logger())
	if err != nil {
		return fmt.Errorf("create detection engine: %w", err)
	}
	logging.Info().
		Str("path", engineCfg.Path.String()).
		Float64("stop_minutes", engineCfg.Stop.ThresholdMinutes).
		Float64("deviation_meters", engineCfg.Deviation.ThresholdMeters).
		Msg("Detection engine initialized")

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.Add(supervisor.LayerMessaging, services.NewRunnerService("notification-dispatcher", engine))

	store, err := initArchive(ctx, cfg, engine, tree)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing archive")
			}
		}()
	}

	if cfg.Notify.WebhookURL != "" {
		engine.RegisterNotifier(notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:           cfg.Notify.WebhookURL,
			Headers:       cfg.Notify.WebhookHeaders,
			RatePerSecond: cfg.Notify.RatePerSecond,
			Burst:         cfg.Notify.Burst,
			Timeout:       cfg.Notify.Timeout,
			MinSeverity:   detection.Severity(cfg.Notify.MinSeverity),
		}))
		logging.Info().Str("min_severity", cfg.Notify.MinSeverity).Msg("Webhook notifications enabled")
	}

	natsComponents, err := InitNATS(cfg, engine)
	if err != nil {
		return err
	}
	if natsComponents != nil {
		tree.Add(supervisor.LayerMessaging, natsComponents.Service)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			natsComponents.Shutdown(shutdownCtx)
		}()
	}

	seeded := initModel(ctx, cfg, engine, tree)
	logging.Info().
		Bool("model_enabled", cfg.Model.Enabled).
		Bool("seeded", seeded).
		Dur("train_interval", cfg.Model.TrainInterval).
		Msg("Pattern model initialized")

	handler := api.NewHandler(engine, api.HandlerConfig{
		Version:        version,
		MaxBatchPoints: cfg.Server.MaxBatchPoints,
		RetrainTimeout: cfg.Model.TrainTimeout,
		ModelEnabled:   cfg.Model.Enabled,
	})
	router := api.NewRouter(handler, api.MiddlewareConfig{
		CORSAllowedOrigins: cfg.Security.CORSOrigins,
		CORSMaxAge:         300,
		RateLimitRequests:  cfg.Security.RateLimitReqs,
		RateLimitWindow:    cfg.Security.RateLimitWindow,
		RateLimitDisabled:  cfg.Security.RateLimitDisabled,
	})
	if cfg.Security.RateLimitDisabled {
		logging.Warn().Msg("Rate limiting is DISABLED (DISABLE_RATE_LIMIT=true)")
	}

	server := &http.Server{
		Handler:           router,
		ReadTimeout:       cfg.Server.Timeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       60 * time.Second,
	}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	tree.Add(supervisor.LayerAPI, services.NewHTTPService(server, addr, cfg.Server.ShutdownTimeout, logging.WithComponent("http")))

	for layer, names := range tree.Services() {
		logging.Info().Str("layer", layer).Strs("services", names).Msg("Supervised services")
	}

	logging.Info().Msg("Starting supervisor tree...")
	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor tree: %w", err)
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within timeout")
		}
	}
	return nil
}
