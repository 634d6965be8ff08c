// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package config loads and validates the Meshtrack configuration.
//
// Configuration is layered: struct defaults, then an optional YAML file,
// then environment variables (highest priority). Environment variable
// names map to koanf paths: TRANSPORT_URL -> transport.url.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Transport TransportConfig `koanf:"transport"`
	History   HistoryConfig   `koanf:"history"`
	Cache     CacheConfig     `koanf:"cache"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind. Empty means all interfaces.
	Host string `koanf:"host"`

	// Port to listen on.
	Port int `koanf:"port"`

	// ReadTimeout / WriteTimeout bound slow clients.
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// RateLimit is the per-IP request limit per minute for API routes.
	RateLimit int `koanf:"rate_limit"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	// Path to the DuckDB database file. ":memory:" for ephemeral.
	Path string `koanf:"path"`

	// MaxMemory limits DuckDB memory usage, e.g. "512MB".
	MaxMemory string `koanf:"max_memory"`

	// Threads for DuckDB. Zero means NumCPU.
	Threads int `koanf:"threads"`
}

// TransportConfig holds the pub/sub transport settings.
type TransportConfig struct {
	// URL of the NATS server. Ignored when EmbeddedServer is true.
	URL string `koanf:"url"`

	// EmbeddedServer boots an in-process NATS JetStream server so a
	// single-instance deployment needs no external broker.
	EmbeddedServer bool `koanf:"embedded_server"`

	// StoreDir is the JetStream store directory for the embedded server.
	StoreDir string `koanf:"store_dir"`

	// TopicPrefix is the leading topic segment devices publish under,
	// e.g. "msh/prueba/2/json".
	TopicPrefix string `koanf:"topic_prefix"`

	// MaxReconnects / ReconnectWait tune connection recovery.
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// HistoryConfig holds the history query settings.
type HistoryConfig struct {
	// Timezone is the named local zone used to interpret the start and
	// end datetime strings of track history requests.
	Timezone string `koanf:"timezone"`

	// MaxWindow bounds the queried time window. Zero disables the bound.
	MaxWindow time.Duration `koanf:"max_window"`
}

// CacheConfig holds the viewer-side live map cache settings.
type CacheConfig struct {
	// Dir is the Badger directory for the local live map cache.
	Dir string `koanf:"dir"`

	// NameCacheSize bounds the read-through device name cache.
	NameCacheSize int `koanf:"name_cache_size"`

	// NameCacheTTL expires cached names even without a rename event.
	NameCacheTTL time.Duration `koanf:"name_cache_ttl"`
}

// LoggingConfig mirrors logging.Config for koanf unmarshalling.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if !c.Transport.EmbeddedServer && c.Transport.URL == "" {
		return fmt.Errorf("transport.url is required when embedded_server is disabled")
	}
	if c.Transport.EmbeddedServer && c.Transport.StoreDir == "" {
		return fmt.Errorf("transport.store_dir is required when embedded_server is enabled")
	}
	if c.History.Timezone == "" {
		return fmt.Errorf("history.timezone is required")
	}
	if _, err := time.LoadLocation(c.History.Timezone); err != nil {
		return fmt.Errorf("history.timezone %q: %w", c.History.Timezone, err)
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	return nil
}
