// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package directory

import (
	"sync"
	"time"
)

// nameEntry is a node of the doubly-linked LRU list.
type nameEntry struct {
	key       string
	name      string
	prev      *nameEntry
	next      *nameEntry
	expiresAt time.Time
}

// nameCache is a thread-safe LRU cache of device display names with TTL
// support. O(1) Get, Add, Remove and eviction. The directory is the
// authority; the cache is refreshed by lookup-on-miss and invalidated by
// rename, never assumed fresh beyond its TTL.
type nameCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*nameEntry

	// head.next is most recently used, tail.prev least recently used.
	head *nameEntry
	tail *nameEntry
}

func newNameCache(capacity int, ttl time.Duration) *nameCache {
	if capacity <= 0 {
		capacity = 1024
	}
	head := &nameEntry{}
	tail := &nameEntry{}
	head.next = tail
	tail.prev = head
	return &nameCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*nameEntry, capacity),
		head:     head,
		tail:     tail,
	}
}

// Get returns the cached name. Expired entries are removed lazily.
func (c *nameCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.unlink(entry)
		delete(c.items, key)
		return "", false
	}

	c.unlink(entry)
	c.pushFront(entry)
	return entry.name, true
}

// Add inserts or refreshes an entry, evicting the least recently used
// one when over capacity.
func (c *nameCache) Add(key, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		entry.name = name
		entry.expiresAt = time.Now().Add(c.ttl)
		c.unlink(entry)
		c.pushFront(entry)
		return
	}

	entry := &nameEntry{key: key, name: name, expiresAt: time.Now().Add(c.ttl)}
	c.items[key] = entry
	c.pushFront(entry)

	if len(c.items) > c.capacity {
		oldest := c.tail.prev
		c.unlink(oldest)
		delete(c.items, oldest.key)
	}
}

// Remove invalidates one entry.
func (c *nameCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		c.unlink(entry)
		delete(c.items, key)
	}
}

// Len returns the number of live entries.
func (c *nameCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *nameCache) unlink(entry *nameEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
}

func (c *nameCache) pushFront(entry *nameEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}
