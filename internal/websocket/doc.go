// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package websocket implements the broadcast hub: the single fan-out
// point pushing every persisted telemetry record and every directory
// rename to all connected viewers, and the inbound command path routing
// viewer requests (subscribe, unsubscribe, rename) to the directory.
//
// The hub applies no per-viewer filtering and no backpressure: a slow or
// disconnected viewer loses events and must re-bootstrap from its local
// cache and the history endpoints on reconnect.
package websocket
