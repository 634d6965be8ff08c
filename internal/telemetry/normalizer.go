// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package telemetry normalizes raw transport envelopes into typed
// records and drives them through persistence and fan-out. One record
// is ever broadcast only after its write has been acknowledged, so a
// viewer never sees data the store could lose.
package telemetry

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/meshtrack/meshtrack/internal/logging"
	"github.com/meshtrack/meshtrack/internal/metrics"
	"github.com/meshtrack/meshtrack/internal/models"
)

// Store persists normalized records.
type Store interface {
	UpsertText(ctx context.Context, rec *models.TextRecord) error
	UpsertPosition(ctx context.Context, rec *models.PositionRecord) error
}

// Broadcaster pushes a persisted record to connected viewers.
type Broadcaster interface {
	BroadcastRecord(rec models.Record)
}

// NameResolver maps a sender id to its current display name.
type NameResolver interface {
	ResolveName(ctx context.Context, deviceID string) string
}

// Normalizer is the ingestion pipeline stage between the transport and
// the store.
type Normalizer struct {
	store       Store
	broadcaster Broadcaster
	names       NameResolver
	log         zerolog.Logger
}

func NewNormalizer(store Store, broadcaster Broadcaster, names NameResolver) *Normalizer {
	return &Normalizer{
		store:       store,
		broadcaster: broadcaster,
		names:       names,
		log:         logging.With().Str("component", "telemetry").Logger(),
	}
}

// HandleMessage consumes one raw inbound payload. It satisfies
// transport.MessageSink. Malformed or unclassifiable payloads are
// dropped with a log line and a counter; the stream keeps flowing.
func (n *Normalizer) HandleMessage(ctx context.Context, topic string, payload []byte) {
	var env models.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		metrics.RecordsDropped.WithLabelValues("parse_error").Inc()
		n.log.Warn().Err(err).Str("topic", topic).Msg("dropping unparseable payload")
		return
	}

	rec, err := n.normalize(ctx, &env)
	if err != nil {
		metrics.RecordsDropped.WithLabelValues("unknown_type").Inc()
		n.log.Warn().Err(err).Str("topic", topic).Str("type", env.Type).Msg("dropping unclassifiable envelope")
		return
	}

	if err := n.persist(ctx, rec); err != nil {
		metrics.RecordsDropped.WithLabelValues("persist_error").Inc()
		n.log.Error().Err(err).
			Str("sender", env.Sender).
			Int64("timestamp", env.Timestamp).
			Msg("persist failed, record not broadcast")
		return
	}

	metrics.RecordsIngested.WithLabelValues(rec.Kind()).Inc()
	n.broadcaster.BroadcastRecord(rec)
}

// normalize classifies the envelope by its type discriminant and stamps
// the sender's current display name onto the record.
func (n *Normalizer) normalize(ctx context.Context, env *models.Envelope) (models.Record, error) {
	switch env.Type {
	case models.RecordTypeText:
		var p models.TextPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return &models.TextRecord{
			Type:      models.RecordTypeText,
			Sender:    env.Sender,
			Timestamp: env.Timestamp,
			Text:      p.Text,
			UserName:  n.names.ResolveName(ctx, env.Sender),
		}, nil

	case models.RecordTypePosition:
		var p models.PositionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		return &models.PositionRecord{
			Type:       models.RecordTypePosition,
			Sender:     env.Sender,
			Timestamp:  env.Timestamp,
			LatitudeI:  p.LatitudeI,
			LongitudeI: p.LongitudeI,
			Altitude:   p.Altitude,
			UserName:   n.names.ResolveName(ctx, env.Sender),
		}, nil

	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}

func (n *Normalizer) persist(ctx context.Context, rec models.Record) error {
	switch r := rec.(type) {
	case *models.TextRecord:
		return n.store.UpsertText(ctx, r)
	case *models.PositionRecord:
		return n.store.UpsertPosition(ctx, r)
	default:
		return &UnknownTypeError{Type: rec.Kind()}
	}
}

// UnknownTypeError reports an envelope whose type tag matches no known
// record kind.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	if e.Type == "" {
		return "telemetry: missing type tag"
	}
	return "telemetry: unknown type tag " + e.Type
}
