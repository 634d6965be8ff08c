// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package database

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/meshtrack/meshtrack/internal/config"
	"github.com/meshtrack/meshtrack/internal/logging"
	"github.com/meshtrack/meshtrack/internal/models"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func setupDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(&config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "test.db"),
		MaxMemory: "256MB",
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func position(sender string, ts, latI, lonI, alt int64, name string) *models.PositionRecord {
	return &models.PositionRecord{
		Type: models.RecordTypePosition, Sender: sender, Timestamp: ts,
		LatitudeI: latI, LongitudeI: lonI, Altitude: alt, UserName: name,
	}
}

func TestUpsertPositionReplacesOnSameKey(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	first := position("X", 1000, -334474870, -706736760, 500, "X")
	second := position("X", 1000, -334474900, -706736800, 510, "Alice")

	if err := db.UpsertPosition(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := db.UpsertPosition(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := db.Positions(ctx)
	if err != nil {
		t.Fatalf("query positions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one stored record, got %d", len(got))
	}
	if *got[0] != *second {
		t.Errorf("stored record = %+v, want the replacement %+v", got[0], second)
	}
}

func TestUpsertTextReplacesOnSameKey(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	if err := db.UpsertText(ctx, &models.TextRecord{Type: "text", Sender: "X", Timestamp: 7, Text: "hola", UserName: "X"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := db.UpsertText(ctx, &models.TextRecord{Type: "text", Sender: "X", Timestamp: 7, Text: "hola de nuevo", UserName: "X"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	msgs, err := db.Messages(ctx, MessageFilter{})
	if err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	if msgs[0].Text != "hola de nuevo" {
		t.Errorf("text = %q, want replacement", msgs[0].Text)
	}
}

func TestPositionRangeBoundaries(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	for _, ts := range []int64{999, 1000, 1500, 1999, 2000} {
		if err := db.UpsertPosition(ctx, position("X", ts, 1, 2, 3, "X")); err != nil {
			t.Fatalf("upsert ts=%d: %v", ts, err)
		}
	}

	got, err := db.PositionRange(ctx, "X", 1000, 2000)
	if err != nil {
		t.Fatalf("range query: %v", err)
	}

	var timestamps []int64
	for _, rec := range got {
		timestamps = append(timestamps, rec.Timestamp)
	}
	want := []int64{1000, 1500, 1999}
	if len(timestamps) != len(want) {
		t.Fatalf("timestamps = %v, want %v", timestamps, want)
	}
	for i := range want {
		if timestamps[i] != want[i] {
			t.Fatalf("timestamps = %v, want %v", timestamps, want)
		}
	}
}

func TestPositionRangeNotFound(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	if err := db.UpsertPosition(ctx, position("X", 5000, 1, 2, 3, "X")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Empty window for a known sender.
	_, err := db.PositionRange(ctx, "X", 0, 100)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("empty window: err = %v, want ErrNotFound", err)
	}

	// Unknown sender.
	_, err = db.PositionRange(ctx, "nobody", 0, 10000)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown sender: err = %v, want ErrNotFound", err)
	}
}

func TestMessagesFilterAndOrder(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	seed := []*models.TextRecord{
		{Type: "text", Sender: "a", Timestamp: 1, Text: "m1", UserName: "a"},
		{Type: "text", Sender: "b", Timestamp: 2, Text: "m2", UserName: "b"},
		{Type: "text", Sender: "a", Timestamp: 3, Text: "m3", UserName: "a"},
		{Type: "text", Sender: "c", Timestamp: 4, Text: "m4", UserName: "c"},
	}
	for _, rec := range seed {
		if err := db.UpsertText(ctx, rec); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter MessageFilter
		want   []string
	}{
		{"all ascending", MessageFilter{Order: SortAsc}, []string{"m1", "m2", "m3", "m4"}},
		{"all descending", MessageFilter{Order: SortDesc}, []string{"m4", "m3", "m2", "m1"}},
		{"filtered by senders", MessageFilter{SenderIDs: []string{"a", "c"}, Order: SortAsc}, []string{"m1", "m3", "m4"}},
		{"single sender descending", MessageFilter{SenderIDs: []string{"a"}, Order: SortDesc}, []string{"m3", "m1"}},
		{"no match", MessageFilter{SenderIDs: []string{"zzz"}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Messages(ctx, tt.filter)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d messages, want %d", len(got), len(tt.want))
			}
			for i, rec := range got {
				if rec.Text != tt.want[i] {
					t.Errorf("messages[%d].Text = %q, want %q", i, rec.Text, tt.want[i])
				}
			}
		})
	}
}

func TestUpdateUserNameRewritesHistory(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	if err := db.UpsertText(ctx, &models.TextRecord{Type: "text", Sender: "X", Timestamp: 1, Text: "hi", UserName: "X"}); err != nil {
		t.Fatalf("upsert text: %v", err)
	}
	if err := db.UpsertPosition(ctx, position("X", 2, 1, 2, 3, "X")); err != nil {
		t.Fatalf("upsert position: %v", err)
	}
	if err := db.UpsertPosition(ctx, position("Y", 3, 1, 2, 3, "Y")); err != nil {
		t.Fatalf("upsert other sender: %v", err)
	}

	if err := db.UpdateUserName(ctx, "X", "Alice"); err != nil {
		t.Fatalf("update user name: %v", err)
	}

	msgs, err := db.Messages(ctx, MessageFilter{SenderIDs: []string{"X"}})
	if err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if msgs[0].UserName != "Alice" {
		t.Errorf("message user name = %q, want Alice", msgs[0].UserName)
	}

	positions, err := db.Positions(ctx)
	if err != nil {
		t.Fatalf("query positions: %v", err)
	}
	for _, rec := range positions {
		switch rec.Sender {
		case "X":
			if rec.UserName != "Alice" {
				t.Errorf("position for X has user name %q, want Alice", rec.UserName)
			}
		case "Y":
			if rec.UserName != "Y" {
				t.Errorf("rename must not touch other senders; got %q", rec.UserName)
			}
		}
	}
}

func TestDeviceCRUD(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	device := &models.Device{ID: "d1", Topic: "msh/t/LongFast/d1", Type: "LongFast", Name: "Uno"}
	if err := db.PutDevice(ctx, device); err != nil {
		t.Fatalf("put device: %v", err)
	}

	// Overwrite on re-subscription.
	device.Name = "Uno v2"
	if err := db.PutDevice(ctx, device); err != nil {
		t.Fatalf("overwrite device: %v", err)
	}

	got, err := db.Device(ctx, "d1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.Name != "Uno v2" {
		t.Errorf("device name = %q, want overwrite to win", got.Name)
	}

	devices, err := db.Devices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected one device, got %d", len(devices))
	}

	if err := db.DeleteDeviceByTopic(ctx, "msh/t/LongFast/d1"); err != nil {
		t.Fatalf("delete device: %v", err)
	}
	if err := db.DeleteDeviceByTopic(ctx, "msh/t/LongFast/d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
	if _, err := db.Device(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted device lookup: err = %v, want ErrNotFound", err)
	}
}

func TestRenameDeviceCreatesWhenAbsent(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	if err := db.RenameDevice(ctx, "ghost", "Casper"); err != nil {
		t.Fatalf("rename absent device: %v", err)
	}

	got, err := db.Device(ctx, "ghost")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Name != "Casper" {
		t.Errorf("name = %q, want Casper", got.Name)
	}
	if got.Topic != "" {
		t.Errorf("topic = %q, want empty until a subscription binds one", got.Topic)
	}
}

func TestConcurrentUpsertsDifferentKeys(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sender := string(rune('A' + w))
			for i := 0; i < perWriter; i++ {
				if err := db.UpsertPosition(ctx, position(sender, int64(i), 1, 2, 3, sender)); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent upsert: %v", err)
	}

	got, err := db.Positions(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != writers*perWriter {
		t.Errorf("stored %d records, want %d", len(got), writers*perWriter)
	}
}
