// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package livemap

import (
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/meshtrack/meshtrack/internal/models"
)

// ErrCacheMiss is returned when a device has no cached state.
var ErrCacheMiss = errors.New("livemap: cache miss")

// Key layout. Track values are append-only JSON point arrays; the recent
// ring is a single bounded JSON array, oldest first.
const (
	lastPosPrefix = "lastpos:"
	trackPrefix   = "track:"
	recentKey     = "recent"

	// recentLimit bounds the reload-continuity ring.
	recentLimit = 100
)

// CachedPosition is the last known state of one device.
type CachedPosition struct {
	Point     models.LatLng `json:"point"`
	Label     string        `json:"label"`
	Altitude  int64         `json:"altitude"`
	Timestamp int64         `json:"timestamp"`
}

// Cache is the Badger-backed local store behind the live map: last
// position and full track per device, plus the recent-record ring.
// It lets a restarted viewer rebuild its overlay without refetching.
type Cache struct {
	db *badger.DB
}

// OpenCache opens the cache at dir. An empty dir opens an in-memory
// instance, used by tests and by deployments that opt out of reload
// continuity.
func OpenCache(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("livemap: open cache: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveLastPosition stores the device's latest marker state.
func (c *Cache) SaveLastPosition(deviceID string, pos CachedPosition) error {
	raw, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(lastPosPrefix+deviceID), raw)
	})
}

// LastPosition loads the device's latest marker state.
func (c *Cache) LastPosition(deviceID string) (CachedPosition, error) {
	var pos CachedPosition
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lastPosPrefix + deviceID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &pos)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return CachedPosition{}, ErrCacheMiss
	}
	return pos, err
}

// AppendTrackPoint appends one point to the device's cached polyline.
func (c *Cache) AppendTrackPoint(deviceID string, point models.LatLng) error {
	key := []byte(trackPrefix + deviceID)
	return c.db.Update(func(txn *badger.Txn) error {
		var points []models.LatLng
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &points)
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// first point
		default:
			return err
		}

		points = append(points, point)
		raw, err := json.Marshal(points)
		if err != nil {
			return err
		}
		return txn.Set(key, raw)
	})
}

// Track loads the device's cached polyline in append order.
func (c *Cache) Track(deviceID string) ([]models.LatLng, error) {
	var points []models.LatLng
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(trackPrefix + deviceID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &points)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrCacheMiss
	}
	return points, err
}

// DeviceIDs lists every device with a cached last position.
func (c *Cache) DeviceIDs() ([]string, error) {
	var ids []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(lastPosPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, lastPosPrefix))
		}
		return nil
	})
	return ids, err
}

// PushRecent appends a record to the recent ring, evicting the oldest
// entry past the limit.
func (c *Cache) PushRecent(rec models.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := []byte(recentKey)
	return c.db.Update(func(txn *badger.Txn) error {
		var ring []json.RawMessage
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ring)
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		ring = append(ring, raw)
		if len(ring) > recentLimit {
			ring = ring[len(ring)-recentLimit:]
		}
		out, err := json.Marshal(ring)
		if err != nil {
			return err
		}
		return txn.Set(key, out)
	})
}

// Recent returns the ring, oldest first. An empty cache returns nil.
func (c *Cache) Recent() ([]json.RawMessage, error) {
	var ring []json.RawMessage
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recentKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ring)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return ring, err
}

// Wipe drops every key. Used by the live map reset.
func (c *Cache) Wipe() error {
	return c.db.DropAll()
}
