// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package models

import (
	"errors"
	"strings"
)

// ErrMalformedTopic is returned when a topic does not carry the trailing
// <type>/<deviceId> segments a device binding requires.
var ErrMalformedTopic = errors.New("malformed device topic")

// Device is a tracked field unit. ID is the stable identity; Name is the
// human-assigned display name and the only writable source of labels.
type Device struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Name  string `json:"name"`
}

// DeviceFromTopic derives a device from a transport topic of the form
// <prefix>/<type>/<deviceId>. The display name falls back to the device
// id when empty, so the directory never stores a blank label.
func DeviceFromTopic(topic, displayName string) (*Device, error) {
	segments := strings.Split(strings.Trim(topic, "/"), "/")
	if len(segments) < 2 {
		return nil, ErrMalformedTopic
	}

	id := segments[len(segments)-1]
	deviceType := segments[len(segments)-2]
	if id == "" || deviceType == "" {
		return nil, ErrMalformedTopic
	}

	name := displayName
	if name == "" {
		name = id
	}

	return &Device{
		ID:    id,
		Topic: topic,
		Type:  deviceType,
		Name:  name,
	}, nil
}
