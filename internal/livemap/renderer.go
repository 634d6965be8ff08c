// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package livemap

import (
	"github.com/rs/zerolog"

	"github.com/meshtrack/meshtrack/internal/logging"
	"github.com/meshtrack/meshtrack/internal/models"
)

// LogRenderer is a headless drawing surface: every draw call becomes a
// debug log line. It lets the overlay state machine run server-side
// with no map widget attached.
type LogRenderer struct {
	log zerolog.Logger
}

func NewLogRenderer() *LogRenderer {
	return &LogRenderer{log: logging.With().Str("component", "renderer").Logger()}
}

func (r *LogRenderer) AddMarker(deviceID string, point models.LatLng, label string) {
	r.log.Debug().Str("device_id", deviceID).Str("label", label).
		Float64("lat", point.Lat).Float64("lng", point.Lng).Msg("marker added")
}

func (r *LogRenderer) MoveMarker(deviceID string, point models.LatLng, label string) {
	r.log.Debug().Str("device_id", deviceID).Str("label", label).
		Float64("lat", point.Lat).Float64("lng", point.Lng).Msg("marker moved")
}

func (r *LogRenderer) NewPolyline(deviceID string, point models.LatLng) {
	r.log.Debug().Str("device_id", deviceID).Msg("polyline started")
}

func (r *LogRenderer) AppendPoint(deviceID string, point models.LatLng) {
	r.log.Debug().Str("device_id", deviceID).
		Float64("lat", point.Lat).Float64("lng", point.Lng).Msg("polyline extended")
}

func (r *LogRenderer) Clear() {
	r.log.Debug().Msg("overlay cleared")
}
