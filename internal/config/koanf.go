// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/meshtrack/config.yaml",
	"/etc/meshtrack/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns the built-in defaults. These are applied first,
// then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "",
			Port:         3000,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			RateLimit:    300,
		},
		Database: DatabaseConfig{
			Path:      "data/meshtrack.db",
			MaxMemory: "512MB",
			Threads:   0,
		},
		Transport: TransportConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "data/nats/jetstream",
			TopicPrefix:    "msh/prueba/2/json",
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
		},
		History: HistoryConfig{
			Timezone:  "America/Santiago",
			MaxWindow: 0,
		},
		Cache: CacheConfig{
			Dir:           "data/livemap",
			NameCacheSize: 1024,
			NameCacheTTL:  10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	// TRANSPORT_TOPIC_PREFIX -> transport.topic_prefix
	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// configSections are recognized top-level environment prefixes. The first
// underscore after the section becomes the koanf path separator:
// SERVER_READ_TIMEOUT -> server.read_timeout.
var configSections = []string{"SERVER", "DATABASE", "TRANSPORT", "HISTORY", "CACHE", "LOGGING"}

func envTransform(key string) string {
	for _, section := range configSections {
		if strings.HasPrefix(key, section+"_") {
			rest := strings.TrimPrefix(key, section+"_")
			return strings.ToLower(section) + "." + strings.ToLower(rest)
		}
	}
	// Not a recognized config variable; drop it.
	return ""
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
