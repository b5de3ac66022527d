// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package detection

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/tomtom215/trailwatch/internal/validation"
)

// TouristID is an entity identifier as sent by clients, which may be a JSON
// number or a string. It marshals back as a number when it is an integer.
type TouristID string

// UnmarshalJSON accepts "abc", 42 and 42.0.
func (id *TouristID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = TouristID(s)
	default:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("tourist_id must be a string or number: %w", err)
		}
		if f == float64(int64(f)) {
			*id = TouristID(strconv.FormatInt(int64(f), 10))
		} else {
			*id = TouristID(string(data))
		}
	}
	return nil
}

// MarshalJSON writes IDs in canonical integer form as numbers and
// everything else, including "007" and "+5", as strings.
func (id TouristID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// PingMessage is the inbound form of a ping, used by HTTP and NATS.
type PingMessage struct {
	TouristID TouristID `json:"tourist_id" validate:"entityid"`
	Lat       *float64  `json:"lat" validate:"required,latitude"`
	Lon       *float64  `json:"lon" validate:"required,longitude"`
	Timestamp string    `json:"timestamp" validate:"required,pingtime"`
}

// ToPing validates the message and converts it.
func (m *PingMessage) ToPing() (Ping, error) {
	if err := validation.Struct(m); err != nil {
		return Ping{}, err
	}
	ts, err := ParseTimestamp(m.Timestamp)
	if err != nil {
		return Ping{}, err
	}
	return Ping{EntityID: string(m.TouristID), Lat: *m.Lat, Lon: *m.Lon, Timestamp: ts}, nil
}

// NewPingMessage is the inverse of ToPing.
func NewPingMessage(p Ping) PingMessage {
	lat, lon := p.Lat, p.Lon
	return PingMessage{
		TouristID: TouristID(p.EntityID),
		Lat:       &lat,
		Lon:       &lon,
		Timestamp: FormatTimestamp(p.Timestamp),
	}
}

// Location is a lat/lon pair in responses.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// AnomalyMessage is the outbound form of an anomaly.
type AnomalyMessage struct {
	TouristID  TouristID `json:"tourist_id"`
	Timestamp  string    `json:"timestamp"`
	Location   Location  `json:"location"`
	Type       Kind      `json:"type"`
	Severity   Severity  `json:"severity"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
}

// NewAnomalyMessage converts a with confidence rounded to two decimals.
func NewAnomalyMessage(a Anomaly) AnomalyMessage {
	return AnomalyMessage{
		TouristID:  TouristID(a.EntityID),
		Timestamp:  FormatTimestamp(a.Timestamp),
		Location:   Location{Lat: a.Lat, Lon: a.Lon},
		Type:       a.Kind,
		Severity:   a.Kind.Severity(),
		Reason:     a.Detail,
		Confidence: Round2(a.Confidence),
	}
}

// Round2 rounds v to two decimals.
func Round2(v float64) float64 {
	f, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 2, 64), 64)
	return f
}
