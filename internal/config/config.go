// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

// Package config loads and validates Courier configuration from defaults,
// an optional YAML file, and environment variables, in that precedence order.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Courier server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	NATS     NATSConfig     `koanf:"nats"`
	Queue    QueueConfig    `koanf:"queue"`
	Tone     ToneConfig     `koanf:"tone"`
	Presence PresenceConfig `koanf:"presence"`
	Database DatabaseConfig `koanf:"database"`
	Notify   NotifyConfig   `koanf:"notify"`
	Auth     AuthConfig     `koanf:"auth"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// MessageRatePerMinute bounds message admissions per user per minute.
	MessageRatePerMinute int `koanf:"message_rate_per_minute"`
}

// NATSConfig holds NATS JetStream settings for the durable queue and the
// cross-instance fan-out bridge.
type NATSConfig struct {
	// URL is the NATS server connection URL. Ignored when EmbeddedServer
	// is true; the embedded server's client URL is used instead.
	URL string `koanf:"url"`

	// EmbeddedServer runs an in-process NATS server with JetStream.
	EmbeddedServer bool `koanf:"embedded"`

	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	StoreDir string `koanf:"store_dir"`

	MaxMemory int64 `koanf:"max_memory"`
	MaxStore  int64 `koanf:"max_store"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`

	// StreamName is the JetStream stream holding queued message jobs.
	StreamName      string        `koanf:"stream_name"`
	StreamMaxAge    time.Duration `koanf:"stream_max_age"`
	StreamMaxBytes  int64         `koanf:"stream_max_bytes"`
	DuplicateWindow time.Duration `koanf:"duplicate_window"`
}

// QueueConfig holds message pipeline settings.
type QueueConfig struct {
	// Workers is the bounded concurrency of the processing pool.
	Workers int `koanf:"workers"`

	// MaxAttempts is total processing attempts per job (first try + retries).
	MaxAttempts int `koanf:"max_attempts"`

	// RetryBaseDelay is the initial retry backoff; doubles per attempt.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`

	DurableName string `koanf:"durable_name"`
	QueueGroup  string `koanf:"queue_group"`

	AckWait      time.Duration `koanf:"ack_wait"`
	CloseTimeout time.Duration `koanf:"close_timeout"`

	// PersistTimeout bounds the persistence step of a job.
	PersistTimeout time.Duration `koanf:"persist_timeout"`

	// NotifyTimeout bounds the best-effort notification step.
	NotifyTimeout time.Duration `koanf:"notify_timeout"`

	// TrackerPath is the BadgerDB directory for the job lifecycle log.
	TrackerPath string `koanf:"tracker_path"`

	// CompletedRetention and FailedRetention bound how long job records are
	// kept in the tracker before TTL purge.
	CompletedRetention time.Duration `koanf:"completed_retention"`
	FailedRetention    time.Duration `koanf:"failed_retention"`
}

// ToneConfig holds tone transform gateway settings.
type ToneConfig struct {
	// Endpoint is the text-generation API base URL.
	Endpoint string `koanf:"endpoint"`
	APIKey   string `koanf:"api_key"`
	Model    string `koanf:"model"`

	// Timeout is the hard per-call deadline. Timeout is a transform
	// failure, never a job failure.
	Timeout time.Duration `koanf:"timeout"`

	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerInterval         time.Duration `koanf:"breaker_interval"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout"`
}

// PresenceConfig holds presence store settings.
type PresenceConfig struct {
	// Path is the BadgerDB directory for presence records.
	Path string `koanf:"path"`

	// TTL is the sliding online window refreshed by heartbeats.
	TTL time.Duration `koanf:"ttl"`
}

// DatabaseConfig holds Postgres settings for the persistence port.
type DatabaseConfig struct {
	URL      string        `koanf:"url"`
	MaxConns int32         `koanf:"max_conns"`
	Timeout  time.Duration `koanf:"timeout"`
}

// NotifyConfig holds push notification settings.
type NotifyConfig struct {
	Enabled bool `koanf:"enabled"`

	// CredentialsFile is the Firebase service account JSON path.
	CredentialsFile string `koanf:"credentials_file"`
	ProjectID       string `koanf:"project_id"`
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	// JWTSecret is the HS256 signing secret shared with the identity
	// provider. Required.
	JWTSecret string `koanf:"jwt_secret"`

	// Issuer, when set, is enforced against the token's iss claim.
	Issuer string `koanf:"issuer"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.RetryBaseDelay <= 0 {
		return fmt.Errorf("queue.retry_base_delay must be positive")
	}
	if c.Tone.Timeout <= 0 {
		return fmt.Errorf("tone.timeout must be positive")
	}
	if c.Presence.TTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	return nil
}
