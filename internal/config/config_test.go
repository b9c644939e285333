// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package config

import (
	"strings"
	"testing"
	"time"
)

// setRequiredEnv satisfies Validate so Load can succeed in tests.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/courier_test")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if cfg.Server.Port != 8320 {
		t.Errorf("server.port = %d, want 8320", cfg.Server.Port)
	}
	if cfg.Server.MessageRatePerMinute != 30 {
		t.Errorf("server.message_rate_per_minute = %d, want 30", cfg.Server.MessageRatePerMinute)
	}
	if cfg.Queue.Workers != 10 {
		t.Errorf("queue.workers = %d, want 10", cfg.Queue.Workers)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("queue.max_attempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.RetryBaseDelay != 2*time.Second {
		t.Errorf("queue.retry_base_delay = %v, want 2s", cfg.Queue.RetryBaseDelay)
	}
	if cfg.NATS.StreamName != "COURIER_MESSAGES" {
		t.Errorf("nats.stream_name = %q", cfg.NATS.StreamName)
	}
	if !cfg.NATS.EmbeddedServer {
		t.Error("nats.embedded should default to true")
	}
	if cfg.Presence.TTL != 5*time.Minute {
		t.Errorf("presence.ttl = %v, want 5m", cfg.Presence.TTL)
	}
	if cfg.Tone.Timeout != 10*time.Second {
		t.Errorf("tone.timeout = %v, want 10s", cfg.Tone.Timeout)
	}
	if cfg.Notify.Enabled {
		t.Error("notify.enabled should default to false")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("QUEUE_WORKERS", "25")
	t.Setenv("SERVER_MESSAGE_RATE_PER_MINUTE", "5")
	t.Setenv("NATS_STREAM_NAME", "OTHER_STREAM")
	t.Setenv("PRESENCE_TTL", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("server.port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Queue.Workers != 25 {
		t.Errorf("queue.workers = %d, want 25", cfg.Queue.Workers)
	}
	if cfg.Server.MessageRatePerMinute != 5 {
		t.Errorf("server.message_rate_per_minute = %d, want 5", cfg.Server.MessageRatePerMinute)
	}
	if cfg.NATS.StreamName != "OTHER_STREAM" {
		t.Errorf("nats.stream_name = %q", cfg.NATS.StreamName)
	}
	if cfg.Presence.TTL != 90*time.Second {
		t.Errorf("presence.ttl = %v, want 90s", cfg.Presence.TTL)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Auth.JWTSecret = "secret"
		cfg.Database.URL = "postgres://localhost/courier"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Queue.Workers = 0 },
			wantErr: "queue.workers",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Queue.MaxAttempts = 0 },
			wantErr: "queue.max_attempts",
		},
		{
			name:    "zero retry delay",
			mutate:  func(c *Config) { c.Queue.RetryBaseDelay = 0 },
			wantErr: "queue.retry_base_delay",
		},
		{
			name:    "zero tone timeout",
			mutate:  func(c *Config) { c.Tone.Timeout = 0 },
			wantErr: "tone.timeout",
		},
		{
			name:    "zero presence ttl",
			mutate:  func(c *Config) { c.Presence.TTL = 0 },
			wantErr: "presence.ttl",
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "missing database url",
			mutate:  func(c *Config) { c.Database.URL = "" },
			wantErr: "database.url",
		},
		{
			name: "external nats without url",
			mutate: func(c *Config) {
				c.NATS.EmbeddedServer = false
				c.NATS.URL = ""
			},
			wantErr: "nats.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"QUEUE_WORKERS", "queue.workers"},
		{"SERVER_MESSAGE_RATE_PER_MINUTE", "server.message_rate_per_minute"},
		{"TONE_API_KEY", "tone.api_key"},
		{"NATS_STREAM_MAX_AGE", "nats.stream_max_age"},
		{"AUTH_JWT_SECRET", "auth.jwt_secret"},
		{"HOME", ""},
		{"PATH", ""},
		{"LOGNAME", ""},
	}
	for _, tt := range tests {
		if got := envTransform(tt.key); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
