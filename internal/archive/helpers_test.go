// Trailwatch - Tourist Movement Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trailwatch

package archive

import (
	"github.com/rs/zerolog"

	"github.com/tomtom215/trailwatch/internal/geo"
)

func detectionPath() (*geo.ReferencePath, error) {
	return geo.ParseReferencePath("12.9716,77.5946;12.9726,77.5956;12.9736,77.5966")
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
