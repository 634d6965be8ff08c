// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package directory

import (
	"fmt"
	"testing"
	"time"
)

func TestNameCacheAddGet(t *testing.T) {
	c := newNameCache(4, time.Minute)

	c.Add("!a", "Alpha")
	c.Add("!b", "Bravo")

	if got, ok := c.Get("!a"); !ok || got != "Alpha" {
		t.Fatalf("Get(!a) = %q, %v", got, ok)
	}
	if _, ok := c.Get("!missing"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestNameCacheOverwrite(t *testing.T) {
	c := newNameCache(4, time.Minute)

	c.Add("!a", "Old")
	c.Add("!a", "New")

	if got, _ := c.Get("!a"); got != "New" {
		t.Fatalf("Get = %q, want New", got)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestNameCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newNameCache(3, time.Minute)

	c.Add("!a", "Alpha")
	c.Add("!b", "Bravo")
	c.Add("!c", "Charlie")

	// Touch !a so !b becomes the eviction candidate.
	c.Get("!a")
	c.Add("!d", "Delta")

	if _, ok := c.Get("!b"); ok {
		t.Fatal("!b should have been evicted")
	}
	for _, key := range []string{"!a", "!c", "!d"} {
		if _, ok := c.Get(key); !ok {
			t.Fatalf("%s should survive eviction", key)
		}
	}
}

func TestNameCacheExpiry(t *testing.T) {
	c := newNameCache(4, time.Nanosecond)

	c.Add("!a", "Alpha")
	time.Sleep(time.Millisecond)

	if _, ok := c.Get("!a"); ok {
		t.Fatal("expired entry should miss")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d after lazy expiry, want 0", c.Len())
	}
}

func TestNameCacheRemove(t *testing.T) {
	c := newNameCache(4, time.Minute)

	c.Add("!a", "Alpha")
	c.Remove("!a")
	c.Remove("!a") // double remove is a no-op

	if _, ok := c.Get("!a"); ok {
		t.Fatal("removed entry should miss")
	}
}

func TestNameCacheConcurrentAccess(t *testing.T) {
	c := newNameCache(64, time.Minute)

	done := make(chan struct{})
	for w := 0; w < 8; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("!dev%d", (w*200+i)%100)
				c.Add(key, key)
				c.Get(key)
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		<-done
	}

	if c.Len() > 64 {
		t.Fatalf("Len = %d exceeds capacity", c.Len())
	}
}
