// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package main

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/trailwatch/internal/config"
	"github.com/tomtom215/trailwatch/internal/ingest"
	"github.com/tomtom215/trailwatch/internal/logging"
)

// NATSComponents holds the ping ingestion pipeline.
type NATSComponents struct {
	Server     *ingest.EmbeddedServer
	Subscriber message.Subscriber
	Publisher  message.Publisher
	Service    *ingest.Service
}

// InitNATS builds the ingestion pipeline. It returns nil when NATS is
// disabled. The returned Service must be added to the supervisor tree.
func InitNATS(cfg *config.Config, proc ingest.Processor) (*NATSComponents, error) {
	if !cfg.NATS.Enabled {
		logging.Info().Msg("NATS ingestion disabled (NATS_ENABLED=false)")
		return nil, nil
	}

	c := &NATSComponents{}
	url := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		srv, err := ingest.NewEmbeddedServer(cfg.Server.Host, cfg.NATS.EmbeddedPort)
		if err != nil {
			return nil, fmt.Errorf("start embedded NATS: %w", err)
		}
		c.Server = srv
		url = srv.ClientURL()
		logging.Info().Str("url", url).Msg("Embedded NATS server started")
	}

	wmLogger := ingest.NewLogger()
	natsCfg := ingest.NATSConfig{
		URL:         url,
		QueueGroup:  cfg.NATS.QueueGroup,
		Subscribers: cfg.NATS.Subscribers,
		AckTimeout:  cfg.NATS.AckTimeout,
	}

	var err error
	if c.Subscriber, err = ingest.NewSubscriber(natsCfg, wmLogger); err != nil {
		c.Shutdown(context.Background())
		return nil, err
	}
	if c.Publisher, err = ingest.NewPublisher(natsCfg, wmLogger); err != nil {
		c.Shutdown(context.Background())
		return nil, err
	}

	handler := ingest.NewHandler(proc, c.Publisher, cfg.NATS.AnomalyPrefix, wmLogger)
	handler.SetDeduper(ingest.NewDeduper(cfg.NATS.DedupCapacity, cfg.NATS.DedupTTL))
	c.Service, err = ingest.NewService(ingest.Config{
		PingTopic:     cfg.NATS.PingSubject,
		AnomalyPrefix: cfg.NATS.AnomalyPrefix,
	}, c.Subscriber, handler, wmLogger)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, err
	}

	logging.Info().
		Str("url", url).
		Str("ping_subject", cfg.NATS.PingSubject).
		Str("anomaly_prefix", cfg.NATS.AnomalyPrefix).
		Msg("NATS ingestion configured")
	return c, nil
}

// Shutdown closes the clients, then the embedded server. Safe on a
// partially built value.
func (c *NATSComponents) Shutdown(ctx context.Context) {
	if c.Subscriber != nil {
		if err := c.Subscriber.Close(); err != nil {
			logging.Warn().Err(err).Msg("Error closing NATS subscriber")
		}
	}
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			logging.Warn().Err(err).Msg("Error closing NATS publisher")
		}
	}
	if c.Server != nil {
		if err := c.Server.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("Embedded NATS server did not stop cleanly")
		}
	}
}
