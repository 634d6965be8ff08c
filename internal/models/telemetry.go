// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package models defines the core data model: devices, telemetry records
// and the raw transport envelope they arrive in.
package models

import (
	"github.com/goccy/go-json"
)

// Record type discriminants as they appear on the wire.
const (
	RecordTypeText     = "text"
	RecordTypePosition = "position"
)

// CoordScale converts 1e7-scaled integer degrees to decimal degrees.
const CoordScale = 10_000_000

// Envelope is the raw transport payload:
// {"type": ..., "sender": ..., "timestamp": ..., "payload": {...}}.
// Payload is kept opaque until the type discriminant has been inspected.
type Envelope struct {
	Type      string          `json:"type"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// TextPayload is the payload object of a text envelope.
type TextPayload struct {
	Text string `json:"text"`
}

// PositionPayload is the payload object of a position envelope.
// Latitude and longitude are 1e7-scaled integer degrees.
type PositionPayload struct {
	LatitudeI  int64 `json:"latitude_i"`
	LongitudeI int64 `json:"longitude_i"`
	Altitude   int64 `json:"altitude"`
}

// RecordKey is the identity of a telemetry record. Two records with the
// same key are the same reading; a later write replaces the earlier one.
type RecordKey struct {
	Sender    string
	Timestamp int64
}

// Record is a normalized telemetry record, either *TextRecord or
// *PositionRecord.
type Record interface {
	// Kind returns the record type discriminant.
	Kind() string
	// Key returns the (sender, timestamp) identity.
	Key() RecordKey
	// DisplayName returns the denormalized user name snapshot.
	DisplayName() string
}

// TextRecord is a normalized text message.
type TextRecord struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	UserName  string `json:"userName"`
}

// Kind implements Record.
func (r *TextRecord) Kind() string { return RecordTypeText }

// Key implements Record.
func (r *TextRecord) Key() RecordKey { return RecordKey{Sender: r.Sender, Timestamp: r.Timestamp} }

// DisplayName implements Record.
func (r *TextRecord) DisplayName() string { return r.UserName }

// PositionRecord is a normalized position reading.
type PositionRecord struct {
	Type       string `json:"type"`
	Sender     string `json:"sender"`
	Timestamp  int64  `json:"timestamp"`
	LatitudeI  int64  `json:"latitude_i"`
	LongitudeI int64  `json:"longitude_i"`
	Altitude   int64  `json:"altitude"`
	UserName   string `json:"userName"`
}

// Kind implements Record.
func (r *PositionRecord) Kind() string { return RecordTypePosition }

// Key implements Record.
func (r *PositionRecord) Key() RecordKey { return RecordKey{Sender: r.Sender, Timestamp: r.Timestamp} }

// DisplayName implements Record.
func (r *PositionRecord) DisplayName() string { return r.UserName }

// LatLng is a point in decimal degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LatLng converts the scaled integer coordinates to decimal degrees.
func (r *PositionRecord) LatLng() LatLng {
	return LatLng{
		Lat: float64(r.LatitudeI) / CoordScale,
		Lng: float64(r.LongitudeI) / CoordScale,
	}
}
