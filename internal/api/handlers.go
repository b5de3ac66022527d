// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/trailwatch/internal/detection"
	"github.com/tomtom215/trailwatch/internal/logging"
	"github.com/tomtom215/trailwatch/internal/pattern"
	"github.com/tomtom215/trailwatch/internal/validation"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "Tourist Anomaly Detection API"

// HandlerConfig holds request limits and build info.
type HandlerConfig struct {
	Version        string
	MaxBatchPoints int
	RetrainTimeout time.Duration
	ModelEnabled   bool
}

// Handler serves the detection API.
type Handler struct {
	engine    *detection.Engine
	config    HandlerConfig
	startedAt time.Time
}

// NewHandler creates a handler over engine.
func NewHandler(engine *detection.Engine, cfg HandlerConfig) *Handler {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MaxBatchPoints <= 0 {
		cfg.MaxBatchPoints = 100000
	}
	if cfg.RetrainTimeout <= 0 {
		cfg.RetrainTimeout = 5 * time.Minute
	}
	return &Handler{engine: engine, config: cfg, startedAt: time.Now()}
}

type healthResponse struct {
	Status       string `json:"status"`
	Service      string `json:"service"`
	Timestamp    string `json:"timestamp"`
	Version      string `json:"version"`
	ModelTrained bool   `json:"model_trained"`
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:       "healthy",
		Service:      ServiceName,
		Timestamp:    time.Now().Format(detection.TimestampLayoutSpace),
		Version:      h.config.Version,
		ModelTrained: h.engine.ModelSnapshot() != nil,
	})
}

type checkAnomalyItem struct {
	Type       detection.Kind     `json:"type"`
	Severity   detection.Severity `json:"severity"`
	Reason     string             `json:"reason"`
	Confidence float64            `json:"confidence"`
}

type checkAnomalyResponse struct {
	Status    string              `json:"status"`
	TouristID detection.TouristID `json:"tourist_id"`
	Timestamp string              `json:"timestamp"`
	Location  detection.Location  `json:"location"`
	Anomalies []checkAnomalyItem  `json:"anomalies"`
	Reason    string              `json:"reason,omitempty"`
}

// CheckAnomaly evaluates one ping against the tourist's history and
// records it.
func (h *Handler) CheckAnomaly(w http.ResponseWriter, r *http.Request) {
	var msg detection.PingMessage
	if err := decodeJSON(w, r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := msg.ToPing()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	found := h.engine.Ingest(r.Context(), p)

	resp := checkAnomalyResponse{
		Status:    "normal",
		TouristID: msg.TouristID,
		Timestamp: msg.Timestamp,
		Location:  detection.Location{Lat: p.Lat, Lon: p.Lon},
		Anomalies: make([]checkAnomalyItem, 0, len(found)),
	}
	for _, a := range found {
		resp.Anomalies = append(resp.Anomalies, checkAnomalyItem{
			Type:       a.Kind,
			Severity:   a.Kind.Severity(),
			Reason:     a.Detail,
			Confidence: detection.Round2(a.Confidence),
		})
	}
	if len(found) > 0 {
		resp.Status = "anomaly"
		resp.Reason = found[0].Detail
		logging.Ctx(r.Context()).Info().
			Str("tourist_id", p.EntityID).
			Int("anomalies", len(found)).
			Str("first", string(found[0].Kind)).
			Msg("anomaly detected")
	}
	respondJSON(w, http.StatusOK, resp)
}

type batchRequest struct {
	Data     []detection.PingMessage `json:"data" validate:"required,min=1,dive"`
	UseModel *bool                   `json:"use_model"`
}

type batchResponse struct {
	Status            string                     `json:"status"`
	TotalPoints       int                        `json:"total_points"`
	AnomaliesDetected int                        `json:"anomalies_detected"`
	Anomalies         []detection.AnomalyMessage `json:"anomalies"`
}

// AnalyzeBatch runs every detector over a dataset without touching history.
func (h *Handler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Data == nil {
		respondError(w, http.StatusBadRequest, `Missing "data" field`)
		return
	}
	if len(req.Data) > h.config.MaxBatchPoints {
		respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch exceeds %d points", h.config.MaxBatchPoints))
		return
	}
	if err := validation.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	pings := make([]detection.Ping, len(req.Data))
	for i := range req.Data {
		p, err := req.Data[i].ToPing()
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("data[%d]: %v", i, err))
			return
		}
		pings[i] = p
	}

	useModel := h.config.ModelEnabled
	if req.UseModel != nil {
		useModel = *req.UseModel && h.config.ModelEnabled
	}
	found := h.engine.AnalyzeBatch(r.Context(), pings, useModel)

	resp := batchResponse{
		Status:            "success",
		TotalPoints:       len(pings),
		AnomaliesDetected: len(found),
		Anomalies:         make([]detection.AnomalyMessage, len(found)),
	}
	for i, a := range found {
		resp.Anomalies[i] = detection.NewAnomalyMessage(a)
	}
	respondJSON(w, http.StatusOK, resp)
}

type historyPoint struct {
	TouristID   detection.TouristID `json:"tourist_id"`
	Lat         float64             `json:"lat"`
	Lon         float64             `json:"lon"`
	Timestamp   string              `json:"timestamp"`
	IsAnomaly   bool                `json:"is_anomaly"`
	AnomalyType string              `json:"anomaly_type"`
}

type historyResponse struct {
	TouristID   detection.TouristID `json:"tourist_id"`
	History     []historyPoint      `json:"history"`
	TotalPoints int                 `json:"total_points"`
}

// TouristHistory returns the buffered pings of one tourist, oldest first.
func (h *Handler) TouristHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, ok := h.engine.History().Entries(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Tourist not found")
		return
	}

	resp := historyResponse{
		TouristID:   detection.TouristID(id),
		History:     make([]historyPoint, len(entries)),
		TotalPoints: len(entries),
	}
	for i, e := range entries {
		kind := "normal"
		if e.Flagged() {
			kind = string(e.Kinds[0])
		}
		resp.History[i] = historyPoint{
			TouristID:   detection.TouristID(e.Ping.EntityID),
			Lat:         e.Ping.Lat,
			Lon:         e.Ping.Lon,
			Timestamp:   detection.FormatTimestamp(e.Ping.Timestamp),
			IsAnomaly:   e.Flagged(),
			AnomalyType: kind,
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type patternsResponse struct {
	TouristID    detection.TouristID        `json:"tourist_id"`
	ModelTrained bool                       `json:"model_trained"`
	Total        int                        `json:"total"`
	Anomalies    []detection.AnomalyMessage `json:"anomalies"`
}

// TouristPatterns scores a tourist's history with the shared model.
func (h *Handler) TouristPatterns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	found, ok := h.engine.ScoreEntity(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Tourist not found")
		return
	}
	resp := patternsResponse{
		TouristID:    detection.TouristID(id),
		ModelTrained: h.engine.ModelSnapshot() != nil,
		Total:        len(found),
		Anomalies:    make([]detection.AnomalyMessage, len(found)),
	}
	for i, a := range found {
		resp.Anomalies[i] = detection.NewAnomalyMessage(a)
	}
	respondJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	TotalTourists   int             `json:"total_tourists"`
	TotalDataPoints int             `json:"total_data_points"`
	TotalAnomalies  int             `json:"total_anomalies"`
	AnomalyRate     float64         `json:"anomaly_rate"`
	ServiceUptime   string          `json:"service_uptime"`
	UptimeSeconds   int64           `json:"uptime_seconds"`
	Engine          detection.Stats `json:"engine"`
	Model           pattern.Status  `json:"model"`
}

// Stats summarizes history and engine activity.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	st := h.engine.History().Stats()
	rate := float64(st.FlaggedPoints) / float64(max(st.Points, 1)) * 100
	respondJSON(w, http.StatusOK, statsResponse{
		TotalTourists:   st.Entities,
		TotalDataPoints: st.Points,
		TotalAnomalies:  st.FlaggedPoints,
		AnomalyRate:     detection.Round2(rate),
		ServiceUptime:   "Active",
		UptimeSeconds:   int64(time.Since(h.startedAt).Seconds()),
		Engine:          h.engine.Stats(),
		Model:           h.engine.ModelStatus(),
	})
}

type modelResponse struct {
	Enabled bool           `json:"enabled"`
	Config  pattern.Config `json:"config"`
	Status  pattern.Status `json:"status"`
}

// Model reports pattern model configuration and training state.
func (h *Handler) Model(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, modelResponse{
		Enabled: h.config.ModelEnabled,
		Config:  h.engine.Config().Model,
		Status:  h.engine.ModelStatus(),
	})
}

// Retrain refits the shared model from the configured ping source.
func (h *Handler) Retrain(w http.ResponseWriter, r *http.Request) {
	if !h.config.ModelEnabled {
		respondError(w, http.StatusConflict, "pattern model is disabled")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.config.RetrainTimeout)
	defer cancel()

	err := h.engine.Retrain(ctx)
	switch {
	case errors.Is(err, detection.ErrTrainingInProgress):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, detection.ErrNoTrainingData):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		logging.Ctx(r.Context()).Error().Err(err).Msg("model retrain failed")
		respondError(w, http.StatusInternalServerError, "Internal server error")
	default:
		respondJSON(w, http.StatusOK, h.engine.ModelStatus())
	}
}

// NotFound is the fallback for unknown routes.
func (h *Handler) NotFound(w http.ResponseWriter, _ *http.Request) {
	respondError(w, http.StatusNotFound, "Endpoint not found")
}

// MethodNotAllowed is the fallback for known routes with the wrong method.
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
}
