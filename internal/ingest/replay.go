// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/trailwatch/internal/detection"
)

// Replay publishes pings to topic in order, one message each, sleeping
// interval between messages. It stops early when ctx is done.
func Replay(ctx context.Context, pub message.Publisher, topic string, pings []detection.Ping, interval time.Duration) (int, error) {
	for i, p := range pings {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		payload, err := json.Marshal(detection.NewPingMessage(p))
		if err != nil {
			return i, fmt.Errorf("marshal ping %d: %w", i, err)
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("tourist_id", p.EntityID)
		if err := pub.Publish(topic, msg); err != nil {
			return i, fmt.Errorf("publish ping %d: %w", i, err)
		}
		if interval > 0 && i < len(pings)-1 {
			select {
			case <-ctx.Done():
				return i + 1, ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return len(pings), nil
}
