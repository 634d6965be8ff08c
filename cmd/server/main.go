// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package main is the entry point for the Meshtrack relay server.
//
// Meshtrack relays telemetry published by field devices over NATS into a
// DuckDB store and out to connected map viewers in real time. The server
// initializes components in the following order:
//
//  1. Configuration: koanf layered sources (defaults, config.yaml, env)
//  2. Database: DuckDB with the devices/messages/positions schema
//  3. Transport: NATS subscriber, optionally against an embedded
//     in-process nats-server
//  4. Broadcast hub: websocket fan-out to viewers
//  5. Device directory: resubscribes every stored topic
//  6. Live map overlay: rebuilt from the local Badger cache
//  7. HTTP server: query API, websocket upgrade, metrics
//
// The process shuts down gracefully on SIGINT and SIGTERM: the
// supervisor tree stops the HTTP server and hub, then the transport,
// cache, and database are closed.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshtrack/meshtrack/internal/api"
	"github.com/meshtrack/meshtrack/internal/config"
	"github.com/meshtrack/meshtrack/internal/database"
	"github.com/meshtrack/meshtrack/internal/directory"
	"github.com/meshtrack/meshtrack/internal/history"
	"github.com/meshtrack/meshtrack/internal/livemap"
	"github.com/meshtrack/meshtrack/internal/logging"
	"github.com/meshtrack/meshtrack/internal/models"
	"github.com/meshtrack/meshtrack/internal/supervisor"
	"github.com/meshtrack/meshtrack/internal/telemetry"
	"github.com/meshtrack/meshtrack/internal/transport"
	ws "github.com/meshtrack/meshtrack/internal/websocket"
)

// recordFan delivers each persisted record to viewers and to the
// server-side live overlay.
type recordFan struct {
	hub     *ws.Hub
	overlay *livemap.Map
}

func (f *recordFan) BroadcastRecord(rec models.Record) {
	f.hub.BroadcastRecord(rec)
	if f.overlay != nil {
		f.overlay.ApplyRecord(rec)
	}
}

// renameFan delivers rename notifications to viewers and relabels the
// overlay marker.
type renameFan struct {
	hub     *ws.Hub
	overlay *livemap.Map
}

func (f *renameFan) BroadcastUserNameUpdated(deviceID, newName string) {
	f.hub.BroadcastUserNameUpdated(deviceID, newName)
	if f.overlay != nil {
		f.overlay.RelabelDevice(deviceID, newName)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("db_path", cfg.Database.Path).
		Str("topic_prefix", cfg.Transport.TopicPrefix).
		Bool("embedded_nats", cfg.Transport.EmbeddedServer).
		Msg("Starting Meshtrack")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Transport: embedded broker when configured, otherwise the given URL.
	natsURL := cfg.Transport.URL
	if cfg.Transport.EmbeddedServer {
		embedded, err := transport.NewEmbeddedServer(&cfg.Transport)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		defer func() {
			if err := embedded.Shutdown(context.Background()); err != nil {
				logging.Error().Err(err).Msg("Error stopping embedded NATS server")
			}
		}()
		natsURL = embedded.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server running")
	}

	subscriber, err := transport.NewNATSSubscriber(&cfg.Transport, natsURL, nil)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect transport subscriber")
	}

	// The sink indirection breaks the construction cycle: the manager
	// needs the normalizer, the normalizer needs the directory, the
	// directory needs the manager. No message flows before Subscribe.
	var normalizer *telemetry.Normalizer
	manager := transport.NewManager(subscriber, func(ctx context.Context, topic string, payload []byte) {
		normalizer.HandleMessage(ctx, topic, payload)
	})
	defer func() {
		if err := manager.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing transport manager")
		}
	}()

	hub := ws.NewHub()

	cache, err := livemap.OpenCache(cfg.Cache.Dir)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open live map cache")
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing live map cache")
		}
	}()

	renames := &renameFan{hub: hub}
	dir := directory.New(db, manager, renames, directory.Options{
		NameCacheSize: cfg.Cache.NameCacheSize,
		NameCacheTTL:  cfg.Cache.NameCacheTTL,
	})

	overlay := livemap.New(livemap.NewLogRenderer(), cache, dir)
	renames.overlay = overlay

	normalizer = telemetry.NewNormalizer(db, &recordFan{hub: hub, overlay: overlay}, dir)

	if err := dir.ResubscribeAll(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to resubscribe stored devices")
	}
	if err := overlay.BootstrapFromCache(ctx); err != nil {
		logging.Error().Err(err).Msg("Live map bootstrap failed, starting empty")
	}

	historySvc, err := history.NewService(db, cfg.History.Timezone, cfg.History.MaxWindow)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build history service")
	}

	handler := api.NewHandler(db, historySvc, overlay, hub, dir)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler.Router(cfg.Server.RateLimit),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	treeCfg := supervisor.DefaultTreeConfig()
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)
	tree.AddMessagingService(supervisor.NewRunnerService("broadcast-hub", hub))
	tree.AddAPIService(supervisor.NewHTTPService(server, treeCfg.ShutdownTimeout))

	errCh := tree.ServeBackground(ctx)
	logging.Info().Str("addr", cfg.Server.Addr()).Msg("Meshtrack running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logging.Error().Err(err).Msg("Supervisor tree stopped")
		}
	}

	logging.Info().Msg("Shutdown complete")
}
