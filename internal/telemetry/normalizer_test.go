// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package telemetry

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/meshtrack/meshtrack/internal/logging"
	"github.com/meshtrack/meshtrack/internal/models"
	"github.com/meshtrack/meshtrack/internal/transport"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

type fakeStore struct {
	mu        sync.Mutex
	texts     []*models.TextRecord
	positions []*models.PositionRecord
	failWith  error
}

func (s *fakeStore) UpsertText(_ context.Context, rec *models.TextRecord) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, rec)
	return nil
}

func (s *fakeStore) UpsertPosition(_ context.Context, rec *models.PositionRecord) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, rec)
	return nil
}

func (s *fakeStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts), len(s.positions)
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	records []models.Record
	// persisted is checked at broadcast time to assert ordering.
	store *fakeStore
	order []string
}

func (b *fakeBroadcaster) BroadcastRecord(rec models.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	if b.store != nil {
		texts, positions := b.store.counts()
		if texts+positions > 0 {
			b.order = append(b.order, "persisted-first")
		} else {
			b.order = append(b.order, "broadcast-first")
		}
	}
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

type fakeResolver struct {
	names map[string]string
}

func (r *fakeResolver) ResolveName(_ context.Context, deviceID string) string {
	if name, ok := r.names[deviceID]; ok {
		return name
	}
	return deviceID
}

func newNormalizer(store *fakeStore, bc *fakeBroadcaster) *Normalizer {
	return NewNormalizer(store, bc, &fakeResolver{names: map[string]string{"!abcd1234": "Rover"}})
}

func TestHandleMessageText(t *testing.T) {
	store := &fakeStore{}
	bc := &fakeBroadcaster{}
	n := newNormalizer(store, bc)

	payload := []byte(`{"type":"text","sender":"!abcd1234","timestamp":1717171717,"payload":{"text":"hola"}}`)
	n.HandleMessage(context.Background(), "msh/prueba/2/json/text/!abcd1234", payload)

	if len(store.texts) != 1 {
		t.Fatalf("texts persisted = %d, want 1", len(store.texts))
	}
	rec := store.texts[0]
	if rec.Sender != "!abcd1234" || rec.Timestamp != 1717171717 || rec.Text != "hola" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.UserName != "Rover" {
		t.Fatalf("UserName = %q, want resolved name Rover", rec.UserName)
	}
	if bc.count() != 1 {
		t.Fatalf("broadcasts = %d, want 1", bc.count())
	}
}

func TestHandleMessagePosition(t *testing.T) {
	store := &fakeStore{}
	bc := &fakeBroadcaster{}
	n := newNormalizer(store, bc)

	payload := []byte(`{"type":"position","sender":"!abcd1234","timestamp":1717171717,` +
		`"payload":{"latitude_i":-334474870,"longitude_i":-706730520,"altitude":520}}`)
	n.HandleMessage(context.Background(), "msh/prueba/2/json/position/!abcd1234", payload)

	if len(store.positions) != 1 {
		t.Fatalf("positions persisted = %d, want 1", len(store.positions))
	}
	rec := store.positions[0]
	if rec.LatitudeI != -334474870 || rec.LongitudeI != -706730520 || rec.Altitude != 520 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	point := rec.LatLng()
	if math.Abs(point.Lat-(-33.447487)) > 1e-9 || math.Abs(point.Lng-(-70.673052)) > 1e-9 {
		t.Fatalf("LatLng = %+v", point)
	}
	if bc.count() != 1 {
		t.Fatalf("broadcasts = %d, want 1", bc.count())
	}
}

func TestHandleMessageUnknownSenderFallsBackToID(t *testing.T) {
	store := &fakeStore{}
	n := newNormalizer(store, &fakeBroadcaster{})

	payload := []byte(`{"type":"text","sender":"!unknown1","timestamp":1,"payload":{"text":"hi"}}`)
	n.HandleMessage(context.Background(), "t", payload)

	if len(store.texts) != 1 || store.texts[0].UserName != "!unknown1" {
		t.Fatalf("expected raw id fallback, got %+v", store.texts)
	}
}

func TestHandleMessageDrops(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"invalid json", `{"type":"text","sender"`},
		{"unknown type tag", `{"type":"weather","sender":"!a","timestamp":1,"payload":{}}`},
		{"missing type tag", `{"sender":"!a","timestamp":1,"payload":{}}`},
		{"payload shape mismatch", `{"type":"position","sender":"!a","timestamp":1,"payload":"not-an-object"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			bc := &fakeBroadcaster{}
			n := newNormalizer(store, bc)

			n.HandleMessage(context.Background(), "t", []byte(tt.payload))

			texts, positions := store.counts()
			if texts+positions != 0 {
				t.Fatalf("dropped payload was persisted: %d texts, %d positions", texts, positions)
			}
			if bc.count() != 0 {
				t.Fatalf("dropped payload was broadcast")
			}
		})
	}
}

func TestHandleMessageNoBroadcastOnPersistFailure(t *testing.T) {
	store := &fakeStore{failWith: errors.New("disk full")}
	bc := &fakeBroadcaster{}
	n := newNormalizer(store, bc)

	payload := []byte(`{"type":"text","sender":"!abcd1234","timestamp":1,"payload":{"text":"hola"}}`)
	n.HandleMessage(context.Background(), "t", payload)

	if bc.count() != 0 {
		t.Fatal("record must not reach viewers when the write fails")
	}
}

func TestHandleMessageBroadcastsAfterPersist(t *testing.T) {
	store := &fakeStore{}
	bc := &fakeBroadcaster{store: store}
	n := newNormalizer(store, bc)

	payload := []byte(`{"type":"text","sender":"!abcd1234","timestamp":1,"payload":{"text":"hola"}}`)
	n.HandleMessage(context.Background(), "t", payload)

	if len(bc.order) != 1 || bc.order[0] != "persisted-first" {
		t.Fatalf("ordering = %v, want persisted-first", bc.order)
	}
}

// End to end through the transport manager: publish on a topic, expect a
// normalized record out the far side.
func TestNormalizerBehindTransport(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubsub.Close()

	store := &fakeStore{}
	bc := &fakeBroadcaster{}
	n := newNormalizer(store, bc)

	mgr := transport.NewManager(pubsub, n.HandleMessage)
	defer mgr.Close()

	topic := "msh/prueba/2/json/position/!abcd1234"
	if err := mgr.Subscribe(context.Background(), topic); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	payload := []byte(`{"type":"position","sender":"!abcd1234","timestamp":1717171717,` +
		`"payload":{"latitude_i":-334474870,"longitude_i":-706730520,"altitude":520}}`)
	if err := pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for bc.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("record never reached the broadcaster")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, positions := store.counts(); positions != 1 {
		t.Fatalf("positions persisted = %d, want 1", positions)
	}
}
