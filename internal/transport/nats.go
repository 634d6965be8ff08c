// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/meshtrack/meshtrack/internal/config"
)

// TopicToSubject maps a device-facing topic (slash-separated) to a NATS
// subject (dot-separated). Slashes are the only separator devices use,
// and dots never occur inside a segment.
func TopicToSubject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// NewNATSSubscriber creates a core-NATS Watermill subscriber. JetStream
// is disabled on the consuming side on purpose: the relay accepts
// at-most-once delivery, and core NATS matches that exactly.
func NewNATSSubscriber(cfg *config.TransportConfig, url string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("transport disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("transport reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled: true,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create transport subscriber: %w", err)
	}

	return &subjectMappingSubscriber{inner: sub}, nil
}

// subjectMappingSubscriber translates device topics to NATS subjects so
// the rest of the system only ever sees the slash form.
type subjectMappingSubscriber struct {
	inner message.Subscriber
}

func (s *subjectMappingSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.inner.Subscribe(ctx, TopicToSubject(topic))
}

func (s *subjectMappingSubscriber) Close() error {
	return s.inner.Close()
}
