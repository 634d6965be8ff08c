// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshtrack/meshtrack/internal/logging"
	"github.com/meshtrack/meshtrack/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// CommandRouter handles viewer-initiated commands. The device directory
// implements it; the hub stays free of directory dependencies.
type CommandRouter interface {
	Subscribe(ctx context.Context, topic, displayName string) (*models.Device, error)
	Unsubscribe(ctx context.Context, topic string) error
	Rename(ctx context.Context, deviceID, newName string) error
}

// commandPayload carries the fields of all viewer commands; which ones
// are set depends on the command type.
type commandPayload struct {
	Topic    string `json:"topic,omitempty"`
	UserName string `json:"userName,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	NewName  string `json:"newName,omitempty"`
}

// clientIDCounter orders clients for deterministic broadcast delivery.
var clientIDCounter atomic.Uint64

// Client is the middleman between one viewer connection and the hub.
// viewerID correlates all log lines for one connection.
//
// The send channel is never closed: the hub lets go of a client by
// closing done instead, so a command handler racing a drop can always
// reply without panicking.
type Client struct {
	id       uint64
	viewerID string
	hub      *Hub
	conn     *websocket.Conn
	send     chan Message
	done     chan struct{}
	stopOnce sync.Once
	commands CommandRouter
}

// NewClient creates a Client for an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, commands CommandRouter) *Client {
	return &Client{
		id:       clientIDCounter.Add(1),
		viewerID: uuid.NewString(),
		hub:      hub,
		conn:     conn,
		send:     make(chan Message, 256),
		done:     make(chan struct{}),
		commands: commands,
	}
}

// stop signals both pumps that the hub has let go of this client.
// Safe to call any number of times from any goroutine.
func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// detach hands the client back to the hub without blocking forever when
// the hub's run loop has already exited.
func (c *Client) detach() {
	select {
	case c.hub.Unregister <- c:
	case <-c.hub.done:
	}
}

// Start begins the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump consumes viewer commands until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.detach()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Str("viewer_id", c.viewerID).Msg("unexpected websocket close error")
			}
			break
		}
		c.handleCommand(msg)
	}
}

// handleCommand dispatches a viewer command to the directory and replies
// with an ack or an error frame on this connection only.
func (c *Client) handleCommand(msg Message) {
	if c.commands == nil {
		return
	}

	payload, err := decodeCommandPayload(msg.Data)
	if err != nil {
		c.reply(Message{Type: EventError, Data: map[string]string{"error": "malformed command payload"}})
		return
	}

	ctx := context.Background()
	switch msg.Type {
	case CommandSubscribeTopic:
		device, err := c.commands.Subscribe(ctx, payload.Topic, payload.UserName)
		if err != nil {
			c.reply(Message{Type: EventError, Data: map[string]string{"error": err.Error()}})
			return
		}
		c.reply(Message{Type: EventSubscribed, Data: device})

	case CommandUnsubscribeTopic:
		if err := c.commands.Unsubscribe(ctx, payload.Topic); err != nil {
			c.reply(Message{Type: EventError, Data: map[string]string{"error": err.Error()}})
			return
		}
		c.reply(Message{Type: EventUnsubscribed, Data: map[string]string{"topic": payload.Topic}})

	case CommandChangeUserName:
		if err := c.commands.Rename(ctx, payload.DeviceID, payload.NewName); err != nil {
			c.reply(Message{Type: EventError, Data: map[string]string{"error": err.Error()}})
			return
		}
		// The rename ack reaches every viewer as a userNameUpdated
		// broadcast; no per-connection reply needed.

	default:
		logging.Debug().Str("type", msg.Type).Msg("ignoring unknown viewer command")
	}
}

func decodeCommandPayload(data interface{}) (*commandPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	payload := &commandPayload{}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *Client) reply(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
	}
}

// writePump pushes hub messages and pings to the viewer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				logging.Error().Err(err).Str("viewer_id", c.viewerID).Msg("failed to write JSON message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Viewer authentication is out of scope; any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a viewer connection.
func ServeWS(hub *Hub, commands CommandRouter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := NewClient(hub, conn, commands)
		hub.Register <- client
		client.Start()
	}
}
