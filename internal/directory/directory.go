// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package directory tracks the set of known devices: which topics are
// subscribed, what each device is called, and how a raw device id maps
// to a human-facing display name. The database is the authority for
// membership and names; a small LRU cache fronts name resolution on the
// hot ingestion path.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshtrack/meshtrack/internal/database"
	"github.com/meshtrack/meshtrack/internal/logging"
	"github.com/meshtrack/meshtrack/internal/models"
)

// Store is the persistence surface the directory needs.
type Store interface {
	PutDevice(ctx context.Context, d *models.Device) error
	Device(ctx context.Context, id string) (*models.Device, error)
	Devices(ctx context.Context) ([]*models.Device, error)
	DeleteDeviceByTopic(ctx context.Context, topic string) error
	RenameDevice(ctx context.Context, id, newName string) error
	UpdateUserName(ctx context.Context, sender, newName string) error
}

// Transport manages live subscriptions on the ingestion side.
type Transport interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(topic string) error
}

// Notifier pushes directory changes to connected viewers.
type Notifier interface {
	BroadcastUserNameUpdated(deviceID, newName string)
}

const (
	defaultNameCacheSize = 4096
	defaultNameCacheTTL  = 10 * time.Minute
)

// Options tunes the directory. Zero values take the defaults.
type Options struct {
	// NameCacheSize bounds the read-through display name cache.
	NameCacheSize int

	// NameCacheTTL expires cached names even without a rename event.
	NameCacheTTL time.Duration
}

// Directory is the device registry. It satisfies websocket.CommandRouter.
type Directory struct {
	store     Store
	transport Transport
	notifier  Notifier
	names     *nameCache
	log       zerolog.Logger
}

func New(store Store, transport Transport, notifier Notifier, opts Options) *Directory {
	if opts.NameCacheSize <= 0 {
		opts.NameCacheSize = defaultNameCacheSize
	}
	if opts.NameCacheTTL <= 0 {
		opts.NameCacheTTL = defaultNameCacheTTL
	}
	return &Directory{
		store:     store,
		transport: transport,
		notifier:  notifier,
		names:     newNameCache(opts.NameCacheSize, opts.NameCacheTTL),
		log:       logging.With().Str("component", "directory").Logger(),
	}
}

// Subscribe registers a device from its topic and starts consuming it.
// The directory entry is persisted before the transport subscription is
// attempted: a transport failure leaves the device on record and is
// retried at the next boot, so it is logged rather than returned.
func (d *Directory) Subscribe(ctx context.Context, topic, displayName string) (*models.Device, error) {
	device, err := models.DeviceFromTopic(topic, displayName)
	if err != nil {
		return nil, err
	}

	if err := d.store.PutDevice(ctx, device); err != nil {
		return nil, err
	}
	d.names.Add(device.ID, device.Name)

	if err := d.transport.Subscribe(ctx, topic); err != nil {
		d.log.Error().Err(err).Str("topic", topic).Msg("transport subscribe failed, device kept on record")
	}

	d.log.Info().Str("topic", topic).Str("device_id", device.ID).Msg("device subscribed")
	return device, nil
}

// Unsubscribe stops consuming a topic and removes the device record.
// Failures on either side are logged; the operation is best effort.
func (d *Directory) Unsubscribe(ctx context.Context, topic string) error {
	if err := d.transport.Unsubscribe(topic); err != nil {
		d.log.Warn().Err(err).Str("topic", topic).Msg("transport unsubscribe failed")
	}

	if err := d.store.DeleteDeviceByTopic(ctx, topic); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			d.log.Warn().Str("topic", topic).Msg("unsubscribe for unknown topic")
			return nil
		}
		return err
	}

	d.log.Info().Str("topic", topic).Msg("device unsubscribed")
	return nil
}

// Rename changes a device's display name, rewrites the stored name on
// its historical telemetry, and notifies connected viewers. Readers may
// briefly observe a mix of old and new names while the bulk rewrite
// runs; the final state is consistent.
func (d *Directory) Rename(ctx context.Context, deviceID, newName string) error {
	if err := d.store.RenameDevice(ctx, deviceID, newName); err != nil {
		return err
	}
	d.names.Add(deviceID, newName)

	if err := d.store.UpdateUserName(ctx, deviceID, newName); err != nil {
		return err
	}

	if d.notifier != nil {
		d.notifier.BroadcastUserNameUpdated(deviceID, newName)
	}

	d.log.Info().Str("device_id", deviceID).Str("new_name", newName).Msg("device renamed")
	return nil
}

// ResolveName maps a device id to its display name. Unknown devices
// resolve to the raw id so ingestion never blocks on the directory.
func (d *Directory) ResolveName(ctx context.Context, deviceID string) string {
	if name, ok := d.names.Get(deviceID); ok {
		return name
	}

	device, err := d.store.Device(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			d.log.Error().Err(err).Str("device_id", deviceID).Msg("name lookup failed")
		}
		return deviceID
	}

	name := device.Name
	if name == "" {
		name = deviceID
	}
	d.names.Add(deviceID, name)
	return name
}

// ResubscribeAll re-establishes transport subscriptions for every stored
// device. Called once at boot so a restart picks up where it left off.
func (d *Directory) ResubscribeAll(ctx context.Context) error {
	devices, err := d.store.Devices(ctx)
	if err != nil {
		return err
	}

	for _, device := range devices {
		if device.Name != "" {
			d.names.Add(device.ID, device.Name)
		}
		if device.Topic == "" {
			// Created by rename before any subscription; nothing to consume.
			continue
		}
		if err := d.transport.Subscribe(ctx, device.Topic); err != nil {
			d.log.Error().Err(err).Str("topic", device.Topic).Msg("resubscribe failed")
		}
	}

	d.log.Info().Int("devices", len(devices)).Msg("resubscribed stored devices")
	return nil
}
