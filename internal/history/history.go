// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package history answers track replay queries: all positions one device
// reported inside a local-time window, shaped for a standalone replay
// map. It reads the store directly and never touches the live overlay.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/meshtrack/meshtrack/internal/database"
	"github.com/meshtrack/meshtrack/internal/metrics"
	"github.com/meshtrack/meshtrack/internal/models"
)

var (
	// ErrNoData distinguishes an empty window from a failed query. It is
	// the user-facing "no positions in that range" outcome.
	ErrNoData = errors.New("history: no positions in window")

	// ErrInvalidQuery covers malformed requests: missing fields,
	// unparseable datetimes, inverted or oversized windows.
	ErrInvalidQuery = errors.New("history: invalid query")
)

// Accepted datetime layouts, tried in order. The first matches the
// value an HTML datetime-local control submits.
var datetimeLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Query is one track replay request. Datetimes are local-time strings
// interpreted in the service's configured zone.
type Query struct {
	DeviceID      string `json:"deviceId" validate:"required"`
	StartDateTime string `json:"startDateTime" validate:"required"`
	EndDateTime   string `json:"endDateTime" validate:"required"`
}

// Bounds is the bounding box of a track, for fitting the replay view.
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

// TrackReplay is the response: the full track in arrival order with the
// first and last points called out and the view bounds precomputed.
type TrackReplay struct {
	DeviceID string                   `json:"deviceId"`
	Points   []*models.PositionRecord `json:"points"`
	First    models.LatLng            `json:"first"`
	Last     models.LatLng            `json:"last"`
	Bounds   Bounds                   `json:"bounds"`
}

// Store is the persistence surface history queries need.
type Store interface {
	PositionRange(ctx context.Context, sender string, startTS, endTS int64) ([]*models.PositionRecord, error)
}

// Service resolves track replay queries against the store.
type Service struct {
	store     Store
	loc       *time.Location
	maxWindow time.Duration
	validate  *validator.Validate
}

// NewService builds a history service. timezone must be a valid IANA
// zone name; maxWindow of zero disables the window bound.
func NewService(store Store, timezone string, maxWindow time.Duration) (*Service, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("history: load timezone %q: %w", timezone, err)
	}
	return &Service{
		store:     store,
		loc:       loc,
		maxWindow: maxWindow,
		validate:  validator.New(),
	}, nil
}

// TrackReplay resolves one query. The window is inclusive of start and
// exclusive of end. Zero matching positions return ErrNoData.
func (s *Service) TrackReplay(ctx context.Context, q Query) (*TrackReplay, error) {
	startTS, endTS, err := s.resolveWindow(q)
	if err != nil {
		metrics.HistoryQueries.WithLabelValues("bad_request").Inc()
		return nil, err
	}

	positions, err := s.store.PositionRange(ctx, q.DeviceID, startTS, endTS)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			metrics.HistoryQueries.WithLabelValues("no_data").Inc()
			return nil, ErrNoData
		}
		metrics.HistoryQueries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("history: range query: %w", err)
	}

	metrics.HistoryQueries.WithLabelValues("ok").Inc()
	return buildReplay(q.DeviceID, positions), nil
}

// resolveWindow validates the query and converts both local datetimes to
// epoch seconds.
func (s *Service) resolveWindow(q Query) (int64, int64, error) {
	if err := s.validate.Struct(q); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	start, err := s.parseLocal(q.StartDateTime)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: start: %v", ErrInvalidQuery, err)
	}
	end, err := s.parseLocal(q.EndDateTime)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: end: %v", ErrInvalidQuery, err)
	}

	if !end.After(start) {
		return 0, 0, fmt.Errorf("%w: end must be after start", ErrInvalidQuery)
	}
	if s.maxWindow > 0 && end.Sub(start) > s.maxWindow {
		return 0, 0, fmt.Errorf("%w: window exceeds %s", ErrInvalidQuery, s.maxWindow)
	}

	return start.Unix(), end.Unix(), nil
}

func (s *Service) parseLocal(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range datetimeLayouts {
		t, err := time.ParseInLocation(layout, value, s.loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func buildReplay(deviceID string, positions []*models.PositionRecord) *TrackReplay {
	replay := &TrackReplay{
		DeviceID: deviceID,
		Points:   positions,
		First:    positions[0].LatLng(),
		Last:     positions[len(positions)-1].LatLng(),
	}

	b := Bounds{
		MinLat: replay.First.Lat, MaxLat: replay.First.Lat,
		MinLng: replay.First.Lng, MaxLng: replay.First.Lng,
	}
	for _, pos := range positions[1:] {
		p := pos.LatLng()
		if p.Lat < b.MinLat {
			b.MinLat = p.Lat
		}
		if p.Lat > b.MaxLat {
			b.MaxLat = p.Lat
		}
		if p.Lng < b.MinLng {
			b.MinLng = p.Lng
		}
		if p.Lng > b.MaxLng {
			b.MaxLng = p.Lng
		}
	}
	replay.Bounds = b
	return replay
}
