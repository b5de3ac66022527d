// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

// Package ingest consumes pings from a message broker, runs them through the
// detection engine and publishes the anomalies found.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/goccy/go-json"

	"github.com/tomtom215/trailwatch/internal/detection"
	"github.com/tomtom215/trailwatch/internal/metrics"
)

// Processor is the slice of the engine the handler needs.
type Processor interface {
	Ingest(ctx context.Context, p detection.Ping) []detection.Anomaly
}

// Config names the topics.
type Config struct {
	PingTopic     string
	AnomalyPrefix string
	CloseTimeout  time.Duration
}

// Handler decodes ping messages and publishes anomalies.
type Handler struct {
	processor Processor
	publisher message.Publisher
	prefix    string
	logger    watermill.LoggerAdapter
	dedup     *Deduper
}

// NewHandler creates a handler. publisher may be nil, in which case
// anomalies are only recorded locally.
func NewHandler(processor Processor, publisher message.Publisher, anomalyPrefix string, logger watermill.LoggerAdapter) *Handler {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Handler{processor: processor, publisher: publisher, prefix: anomalyPrefix, logger: logger}
}

// SetDeduper makes the handler ack repeated pings without processing them.
func (h *Handler) SetDeduper(d *Deduper) {
	h.dedup = d
}

// AnomalyTopic returns the topic anomalies of kind are published on.
func (h *Handler) AnomalyTopic(kind detection.Kind) string {
	return h.prefix + "." + string(kind)
}

// Handle processes one ping message. Malformed messages are acked and
// counted, since redelivery cannot fix them.
func (h *Handler) Handle(msg *message.Message) error {
	var m detection.PingMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		metrics.RecordIngest("invalid")
		h.logger.Info("dropping undecodable ping", watermill.LogFields{"message_uuid": msg.UUID, "error": err.Error()})
		return nil
	}
	p, err := m.ToPing()
	if err != nil {
		metrics.RecordIngest("invalid")
		h.logger.Info("dropping invalid ping", watermill.LogFields{"message_uuid": msg.UUID, "error": err.Error()})
		return nil
	}
	if h.dedup != nil && h.dedup.Seen(PingKey(p)) {
		metrics.RecordIngest("duplicate")
		h.logger.Debug("dropping duplicate ping", watermill.LogFields{"message_uuid": msg.UUID, "tourist_id": p.EntityID})
		return nil
	}

	anomalies := h.processor.Ingest(msg.Context(), p)
	metrics.RecordIngest("ok")

	if h.publisher == nil {
		return nil
	}
	for _, a := range anomalies {
		payload, err := json.Marshal(detection.NewAnomalyMessage(a))
		if err != nil {
			return fmt.Errorf("marshal anomaly: %w", err)
		}
		out := message.NewMessage(watermill.NewUUID(), payload)
		out.Metadata.Set("tourist_id", a.EntityID)
		out.Metadata.Set("severity", string(a.Kind.Severity()))
		out.Metadata.Set(middleware.CorrelationIDMetadataKey, middleware.MessageCorrelationID(msg))

		// The ping is already in history, so a failed publish is logged
		// rather than nacked to avoid ingesting it twice.
		if err := h.publisher.Publish(h.AnomalyTopic(a.Kind), out); err != nil {
			metrics.RecordIngest("publish_error")
			h.logger.Error("failed to publish anomaly", err, watermill.LogFields{"tourist_id": a.EntityID, "type": string(a.Kind)})
			continue
		}
		metrics.RecordIngest("published")
	}
	return nil
}

// Service runs a watermill router feeding pings into a Handler. Each call
// to Serve builds a fresh router so the supervisor can restart it.
type Service struct {
	config  Config
	sub     message.Subscriber
	handler *Handler
	logger  watermill.LoggerAdapter

	startOnce sync.Once
	started   chan struct{}
}

// NewService wires subscriber and handler.
func NewService(cfg Config, sub message.Subscriber, h *Handler, logger watermill.LoggerAdapter) (*Service, error) {
	if cfg.PingTopic == "" {
		return nil, errors.New("ping topic is required")
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Service{config: cfg, sub: sub, handler: h, logger: logger, started: make(chan struct{})}, nil
}

// Started is closed the first time the router is running.
func (s *Service) Started() <-chan struct{} {
	return s.started
}

// Serve runs a router until ctx is done. It matches suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: s.config.CloseTimeout}, s.logger)
	if err != nil {
		return fmt.Errorf("create watermill router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer, middleware.CorrelationID)
	router.AddConsumerHandler("ingest_pings", s.config.PingTopic, s.sub, s.handler.Handle)

	go func() {
		select {
		case <-router.Running():
			s.startOnce.Do(func() { close(s.started) })
		case <-ctx.Done():
		}
	}()

	if err := router.Run(ctx); err != nil {
		return fmt.Errorf("ingest router: %w", err)
	}
	return ctx.Err()
}

func (s *Service) String() string {
	return "ingest:" + s.config.PingTopic
}
