// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

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

// DefaultConfigPaths lists where config files are searched, in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/courier/config.yaml",
	"/etc/courier/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8320,
			Timeout:              30 * time.Second,
			MessageRatePerMinute: 30,
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			EmbeddedServer:  true,
			Host:            "127.0.0.1",
			Port:            4222,
			StoreDir:        "/data/nats/jetstream",
			MaxMemory:       1 << 30,  // 1GB
			MaxStore:        10 << 30, // 10GB
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			StreamName:      "COURIER_MESSAGES",
			StreamMaxAge:    7 * 24 * time.Hour,
			StreamMaxBytes:  10 << 30,
			DuplicateWindow: 2 * time.Minute,
		},
		Queue: QueueConfig{
			Workers:            10,
			MaxAttempts:        3,
			RetryBaseDelay:     2 * time.Second,
			DurableName:        "message-processor",
			QueueGroup:         "processors",
			AckWait:            30 * time.Second,
			CloseTimeout:       30 * time.Second,
			PersistTimeout:     5 * time.Second,
			NotifyTimeout:      5 * time.Second,
			TrackerPath:        "/data/jobs",
			CompletedRetention: time.Hour,
			FailedRetention:    24 * time.Hour,
		},
		Tone: ToneConfig{
			Endpoint:                "https://generativelanguage.googleapis.com",
			Model:                   "gemini-flash-latest",
			Timeout:                 10 * time.Second,
			BreakerFailureThreshold: 5,
			BreakerInterval:         30 * time.Second,
			BreakerTimeout:          10 * time.Second,
		},
		Presence: PresenceConfig{
			Path: "/data/presence",
			TTL:  5 * time.Minute,
		},
		Database: DatabaseConfig{
			URL:      "",
			MaxConns: 10,
			Timeout:  5 * time.Second,
		},
		Notify: NotifyConfig{
			Enabled: false,
		},
		Auth: AuthConfig{
			JWTSecret: "",
			Issuer:    "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources:
//  1. Defaults from defaultConfig
//  2. Optional YAML config file
//  3. Environment variables (highest priority), e.g.
//     QUEUE_WORKERS -> queue.workers, TONE_API_KEY -> tone.api_key
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

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

// findConfigFile returns the first existing config file path, or "".
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

// sectionPrefixes maps env var prefixes to config sections. The first
// underscore after the prefix becomes the section separator; the remainder
// keeps its underscores (SERVER_MESSAGE_RATE_PER_MINUTE ->
// server.message_rate_per_minute).
var sectionPrefixes = []string{
	"server",
	"nats",
	"queue",
	"tone",
	"presence",
	"database",
	"notify",
	"auth",
	"logging",
}

// envTransform maps environment variable names to koanf config paths.
// Variables without a known section prefix are ignored.
func envTransform(key string) string {
	lower := strings.ToLower(key)
	for _, prefix := range sectionPrefixes {
		if strings.HasPrefix(lower, prefix+"_") {
			return prefix + "." + strings.TrimPrefix(lower, prefix+"_")
		}
	}
	return ""
}
