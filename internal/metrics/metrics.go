// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package metrics provides Prometheus instrumentation for the ingestion
// pipeline, the persistence layer and the viewer channel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion pipeline

	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtrack_records_ingested_total",
			Help: "Total number of telemetry records normalized and persisted",
		},
		[]string{"type"}, // "text", "position"
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtrack_records_dropped_total",
			Help: "Total number of inbound messages dropped before persistence",
		},
		[]string{"reason"}, // "parse_error", "unknown_type", "persist_error"
	)

	// Persistence

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshtrack_db_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtrack_db_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// Viewer channel

	BroadcastsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtrack_broadcasts_total",
			Help: "Total number of events pushed to the broadcast hub",
		},
		[]string{"event"}, // "newMessage", "userNameUpdated", ...
	)

	ConnectedViewers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshtrack_connected_viewers",
			Help: "Current number of connected websocket viewers",
		},
	)

	// History queries

	HistoryQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtrack_history_queries_total",
			Help: "Total number of track history queries by outcome",
		},
		[]string{"outcome"}, // "ok", "no_data", "bad_request", "error"
	)
)
