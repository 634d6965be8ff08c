// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package transport connects Meshtrack to the device-facing pub/sub
// transport through Watermill. Topics keep their device-facing form
// (<prefix>/<type>/<deviceId>); the NATS binding maps them to subjects.
//
// Delivery is best-effort: messages are acked as soon as they are handed
// to the sink, so a failing pipeline stage drops the message rather than
// blocking or redelivering. That is the relay's stated reliability
// ceiling.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/meshtrack/meshtrack/internal/logging"
)

// ErrNotSubscribed is returned when unsubscribing a topic that has no
// active subscription.
var ErrNotSubscribed = errors.New("topic not subscribed")

// MessageSink consumes one raw inbound message. It must not block for
// long; the per-topic consume loop delivers messages one at a time.
type MessageSink func(ctx context.Context, topic string, payload []byte)

// Manager owns the set of active topic subscriptions. Each subscription
// runs one consuming goroutine feeding the sink; unsubscribing cancels
// that goroutine.
type Manager struct {
	subscriber message.Subscriber
	sink       MessageSink

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewManager creates a subscription manager over the given subscriber.
func NewManager(subscriber message.Subscriber, sink MessageSink) *Manager {
	return &Manager{
		subscriber: subscriber,
		sink:       sink,
		active:     make(map[string]context.CancelFunc),
	}
}

// Subscribe starts consuming the topic. Subscribing an already-active
// topic is a no-op; directory re-subscriptions at startup rely on that.
func (m *Manager) Subscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("subscribe %s: manager closed", topic)
	}
	if _, ok := m.active[topic]; ok {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := m.subscriber.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	m.active[topic] = cancel
	m.wg.Add(1)
	go m.consume(subCtx, topic, messages)

	logging.Info().Str("topic", topic).Msg("transport subscription started")
	return nil
}

// Unsubscribe stops consuming the topic.
func (m *Manager) Unsubscribe(topic string) error {
	m.mu.Lock()
	cancel, ok := m.active[topic]
	if ok {
		delete(m.active, topic)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotSubscribed
	}
	cancel()
	logging.Info().Str("topic", topic).Msg("transport subscription stopped")
	return nil
}

// Topics returns the currently subscribed topics.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.active))
	for topic := range m.active {
		topics = append(topics, topic)
	}
	return topics
}

// Close cancels all subscriptions and waits for consume loops to drain.
// The underlying subscriber is closed as well.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	for topic, cancel := range m.active {
		cancel()
		delete(m.active, topic)
	}
	m.mu.Unlock()

	m.wg.Wait()
	return m.subscriber.Close()
}

func (m *Manager) consume(ctx context.Context, topic string, messages <-chan *message.Message) {
	defer m.wg.Done()
	for msg := range messages {
		// Ack unconditionally: a failed pipeline stage drops the
		// message, it is never redelivered.
		m.sink(ctx, topic, msg.Payload)
		msg.Ack()
	}
	logging.Debug().Str("topic", topic).Msg("transport consume loop ended")
}
