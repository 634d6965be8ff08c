// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package livemap maintains the per-device live overlay: one marker and
// one polyline per tracked device, fed by the broadcast stream and
// rebuilt from a local Badger cache after a restart. The rendering
// surface is an interface so the state machine carries no map-widget
// dependency.
package livemap

import (
	"context"
	"errors"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/meshtrack/meshtrack/internal/logging"
	"github.com/meshtrack/meshtrack/internal/models"
)

// Renderer is the drawing surface the live map drives. Implementations
// must tolerate calls for devices they have never seen; the state
// machine guarantees AddMarker/NewPolyline precede MoveMarker and
// AppendPoint for any device between resets.
type Renderer interface {
	AddMarker(deviceID string, point models.LatLng, label string)
	MoveMarker(deviceID string, point models.LatLng, label string)
	NewPolyline(deviceID string, point models.LatLng)
	AppendPoint(deviceID string, point models.LatLng)
	Clear()
}

// NameResolver maps a device id to its display name during bootstrap.
type NameResolver interface {
	ResolveName(ctx context.Context, deviceID string) string
}

// entry tracks one device. A device is Tracked iff it has an entry;
// Untracked devices simply have none.
type entry struct {
	label  string
	last   models.LatLng
	points int
}

// Map is the live overlay state machine. Events are applied one at a
// time in arrival order; bootstrap loads run per device and only touch
// their own device's entry.
type Map struct {
	mu       sync.Mutex
	renderer Renderer
	cache    *Cache
	names    NameResolver
	entries  map[string]*entry
	log      zerolog.Logger
}

func New(renderer Renderer, cache *Cache, names NameResolver) *Map {
	return &Map{
		renderer: renderer,
		cache:    cache,
		names:    names,
		entries:  make(map[string]*entry),
		log:      logging.With().Str("component", "livemap").Logger(),
	}
}

// ApplyRecord consumes one broadcast record: every record enters the
// recent ring, positions additionally drive the overlay.
func (m *Map) ApplyRecord(rec models.Record) {
	if m.cache != nil {
		if err := m.cache.PushRecent(rec); err != nil {
			m.log.Warn().Err(err).Msg("recent ring write failed")
		}
	}
	if pos, ok := rec.(*models.PositionRecord); ok {
		m.ApplyPositionEvent(pos)
	}
}

// RecentActivity returns the cached recent-record ring, oldest first,
// so a reloading viewer can repopulate its feed without replaying the
// full store. Nil when nothing has been cached yet.
func (m *Map) RecentActivity() ([]json.RawMessage, error) {
	if m.cache == nil {
		return nil, nil
	}
	return m.cache.Recent()
}

// ApplyPositionEvent advances one device's overlay. The first position
// for a device creates its marker and a one-point polyline; every later
// one moves the marker, refreshes its label, and appends to the polyline
// in place. Points are never reordered, truncated or deduplicated.
func (m *Map) ApplyPositionEvent(rec *models.PositionRecord) {
	point := rec.LatLng()
	label := rec.UserName
	if label == "" {
		label = rec.Sender
	}

	m.mu.Lock()
	e, tracked := m.entries[rec.Sender]
	if !tracked {
		m.renderer.AddMarker(rec.Sender, point, label)
		m.renderer.NewPolyline(rec.Sender, point)
		e = &entry{label: label, last: point, points: 1}
		m.entries[rec.Sender] = e
	} else {
		m.renderer.MoveMarker(rec.Sender, point, label)
		m.renderer.AppendPoint(rec.Sender, point)
		e.label = label
		e.last = point
		e.points++
	}
	m.mu.Unlock()

	if m.cache == nil {
		return
	}
	pos := CachedPosition{
		Point:     point,
		Label:     label,
		Altitude:  rec.Altitude,
		Timestamp: rec.Timestamp,
	}
	if err := m.cache.SaveLastPosition(rec.Sender, pos); err != nil {
		m.log.Warn().Err(err).Str("device_id", rec.Sender).Msg("last-position cache write failed")
	}
	if err := m.cache.AppendTrackPoint(rec.Sender, point); err != nil {
		m.log.Warn().Err(err).Str("device_id", rec.Sender).Msg("track cache write failed")
	}
}

// RelabelDevice refreshes a tracked device's marker label after a
// rename. Untracked devices are untouched; their next position event
// carries the new name anyway.
func (m *Map) RelabelDevice(deviceID, newName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, tracked := m.entries[deviceID]
	if !tracked {
		return
	}
	e.label = newName
	m.renderer.MoveMarker(deviceID, e.last, newName)
}

// Reset returns every device to untracked in one step: all markers and
// polylines are cleared and the local cache is wiped. Event intake stays
// live; the next position event for any device re-creates it from
// scratch.
func (m *Map) Reset() error {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.renderer.Clear()
	m.mu.Unlock()

	if m.cache == nil {
		return nil
	}
	if err := m.cache.Wipe(); err != nil {
		m.log.Error().Err(err).Msg("cache wipe failed")
		return err
	}
	m.log.Info().Msg("live map reset")
	return nil
}

// BootstrapFromCache rebuilds the overlay from the local cache, one
// independent load per device. A device that received a live event
// before its load completes keeps the live state; completion order
// between devices is not significant.
func (m *Map) BootstrapFromCache(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	ids, err := m.cache.DeviceIDs()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			m.bootstrapDevice(ctx, deviceID)
		}(id)
	}
	wg.Wait()

	m.log.Info().Int("devices", len(ids)).Msg("live map bootstrapped from cache")
	return nil
}

func (m *Map) bootstrapDevice(ctx context.Context, deviceID string) {
	pos, err := m.cache.LastPosition(deviceID)
	if err != nil {
		m.log.Warn().Err(err).Str("device_id", deviceID).Msg("bootstrap skipped")
		return
	}

	label := deviceID
	if m.names != nil {
		label = m.names.ResolveName(ctx, deviceID)
	}
	if label == "" {
		label = deviceID
	}

	track, err := m.cache.Track(deviceID)
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		m.log.Warn().Err(err).Str("device_id", deviceID).Msg("cached track unreadable")
	}
	if len(track) == 0 {
		track = []models.LatLng{pos.Point}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, tracked := m.entries[deviceID]; tracked {
		// A live event won the race; its state is fresher.
		return
	}

	m.renderer.AddMarker(deviceID, pos.Point, label)
	m.renderer.NewPolyline(deviceID, track[0])
	for _, point := range track[1:] {
		m.renderer.AppendPoint(deviceID, point)
	}
	m.entries[deviceID] = &entry{label: label, last: pos.Point, points: len(track)}
}

// TrackedDevices returns the ids currently tracked, for inspection.
func (m *Map) TrackedDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// PolylineLength returns the number of points in a device's polyline,
// zero when untracked.
func (m *Map) PolylineLength(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[deviceID]; ok {
		return e.points
	}
	return 0
}
