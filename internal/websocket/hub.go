// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/meshtrack/meshtrack/internal/logging"
	"github.com/meshtrack/meshtrack/internal/metrics"
	"github.com/meshtrack/meshtrack/internal/models"
)

// Event types pushed to viewers.
const (
	EventNewMessage      = "newMessage"
	EventUserNameUpdated = "userNameUpdated"
	EventSubscribed      = "subscribed"
	EventUnsubscribed    = "unsubscribed"
	EventError           = "error"
)

// Command types accepted from viewers.
const (
	CommandSubscribeTopic   = "subscribeTopic"
	CommandUnsubscribeTopic = "unsubscribeTopic"
	CommandChangeUserName   = "changeUserName"
)

// Message is one frame on the viewer channel, in either direction.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// UserNameUpdate is the payload of a userNameUpdated event.
type UserNameUpdate struct {
	DeviceID string `json:"deviceId"`
	NewName  string `json:"newName"`
}

// Hub maintains the set of connected viewers and fans every event out to
// all of them. A slow viewer is dropped rather than ever applying
// backpressure to ingestion.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex

	// done is closed when the run loop exits so detaching clients never
	// block on a hub that is no longer draining Unregister.
	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a new Hub. Call RunWithContext to start it.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// RunWithContext runs the hub until the context is canceled, at which
// point all viewers are closed and ctx.Err() is returned. Designed for
// suture supervision: the hub can be restarted without orphaning
// connections.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Lifecycle events take priority over broadcasts so client
		// state is consistent before messages are delivered.
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectedViewers.Set(float64(total))
	logging.Info().Str("viewer_id", client.viewerID).Int("total_viewers", total).Msg("viewer connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.stop()
	}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectedViewers.Set(float64(total))
	logging.Info().Str("viewer_id", client.viewerID).Int("total_viewers", total).Msg("viewer disconnected")
}

// broadcastToClients delivers a message to every viewer in client-id
// order. Viewers whose send buffer is full are dropped.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		client.stop()
		delete(h.clients, client)
		logging.Warn().Str("viewer_id", client.viewerID).Msg("dropped slow viewer")
	}
}

func (h *Hub) shutdown(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	count := len(h.clients)
	for client := range h.clients {
		client.stop()
		delete(h.clients, client)
	}
	h.mu.Unlock()

	metrics.ConnectedViewers.Set(0)
	logging.Info().
		Str("component", "websocket-hub").
		AnErr("reason", ctx.Err()).
		Int("viewers_closed", count).
		Msg("websocket hub stopped")
}

// BroadcastRecord pushes one normalized telemetry record to all viewers.
// Called by the normalizer only after the record has been persisted.
func (h *Hub) BroadcastRecord(rec models.Record) {
	h.enqueue(Message{Type: EventNewMessage, Data: rec})
}

// BroadcastUserNameUpdated notifies viewers of a device rename so local
// caches can relabel.
func (h *Hub) BroadcastUserNameUpdated(deviceID, newName string) {
	h.enqueue(Message{
		Type: EventUserNameUpdated,
		Data: UserNameUpdate{DeviceID: deviceID, NewName: newName},
	})
}

func (h *Hub) enqueue(message Message) {
	select {
	case h.broadcast <- message:
		metrics.BroadcastsSent.WithLabelValues(message.Type).Inc()
	default:
		logging.Warn().Str("event", message.Type).Msg("broadcast channel full, dropping event")
	}
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// MarshalMessage converts a message to JSON.
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
