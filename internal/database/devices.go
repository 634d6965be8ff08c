// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meshtrack/meshtrack/internal/models"
)

// PutDevice inserts or overwrites the directory entry for a device.
func (db *DB) PutDevice(ctx context.Context, device *models.Device) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO devices (id, topic, type, name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			topic = excluded.topic,
			type = excluded.type,
			name = excluded.name`,
		device.ID, device.Topic, device.Type, device.Name)
	observe("upsert", "devices", start, err)
	if err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	return nil
}

// Device returns the directory entry for the given id, or ErrNotFound.
func (db *DB) Device(ctx context.Context, id string) (*models.Device, error) {
	start := time.Now()
	device := &models.Device{}
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, topic, type, name FROM devices WHERE id = ?`, id).
		Scan(&device.ID, &device.Topic, &device.Type, &device.Name)
	observe("select", "devices", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	return device, nil
}

// Devices returns all directory entries. Entries are unique by id.
func (db *DB) Devices(ctx context.Context) ([]*models.Device, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, topic, type, name FROM devices ORDER BY id`)
	observe("select", "devices", start, err)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device := &models.Device{}
		if err := rows.Scan(&device.ID, &device.Topic, &device.Type, &device.Name); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// DeleteDeviceByTopic removes the directory entry bound to the given
// topic. Returns ErrNotFound when no entry matches.
func (db *DB) DeleteDeviceByTopic(ctx context.Context, topic string) error {
	start := time.Now()
	res, err := db.conn.ExecContext(ctx, `DELETE FROM devices WHERE topic = ?`, topic)
	observe("delete", "devices", start, err)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameDevice sets the display name for the device. A rename for an id
// the directory has never seen creates the entry, with no topic binding
// until a later subscription overwrites it.
func (db *DB) RenameDevice(ctx context.Context, id, newName string) error {
	start := time.Now()
	res, err := db.conn.ExecContext(ctx,
		`UPDATE devices SET name = ? WHERE id = ?`, newName, id)
	observe("update", "devices", start, err)
	if err != nil {
		return fmt.Errorf("rename device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	start = time.Now()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO devices (id, topic, type, name) VALUES (?, '', '', ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		id, newName)
	observe("upsert", "devices", start, err)
	if err != nil {
		return fmt.Errorf("rename device: %w", err)
	}
	return nil
}
