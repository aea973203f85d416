// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

package config

import (
	"fmt"
	"time"
)

// Config is the immutable top-level configuration consumed by all components.
// It is built once at startup by LoadWithKoanf and passed by reference; no
// component mutates it afterwards.
type Config struct {
	MQTT      MQTTConfig      `koanf:"mqtt"`
	Database  DatabaseConfig  `koanf:"database"`
	HTTP      HTTPConfig      `koanf:"http"`
	Retention RetentionConfig `koanf:"retention"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// MQTTConfig holds broker connection and subscription settings.
type MQTTConfig struct {
	// Enabled allows disabling the subscriber entirely for local,
	// query-only testing. Health reports degraded while disabled.
	Enabled bool `koanf:"enabled"`

	// Broker is the hostname of the MQTT broker.
	Broker string `koanf:"broker"`

	// Port is the broker port. 18883 implies TLS (AIO default listener).
	Port int `koanf:"port"`

	// Topic is the subscription filter. Default "#" matches all topics.
	Topic string `koanf:"topic"`

	// QoS is the subscription quality-of-service level (0-2).
	QoS int `koanf:"qos"`

	// AuthMethod selects broker authentication: "K8S-SAT" or "none".
	AuthMethod string `koanf:"auth_method"`

	// SATTokenPath is the mounted file holding the service account token
	// sent as MQTT v5 enhanced authentication data.
	SATTokenPath string `koanf:"sat_token_path"`

	// ClientIDPrefix is combined with the process ID to derive a client
	// identifier unique across replicas.
	ClientIDPrefix string `koanf:"client_id_prefix"`

	// KeepaliveSeconds is the MQTT keepalive interval.
	KeepaliveSeconds int `koanf:"keepalive"`

	// ReconnectDelaySeconds is the delay between reconnect attempts.
	ReconnectDelaySeconds int `koanf:"reconnect_delay"`

	// UseTLS forces TLS regardless of port.
	UseTLS bool `koanf:"use_tls"`

	// ConnectTimeout bounds the initial blocking connect at startup.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// DatabaseConfig holds PostgreSQL connection pool settings.
type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`

	// PoolSize bounds the number of concurrent database sessions.
	PoolSize int `koanf:"pool_size"`

	// ConnectTimeout applies per connection attempt.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`

	// ConnectRetries bounds the startup wait for a co-located database
	// container that is not yet accepting connections.
	ConnectRetries int           `koanf:"connect_retries"`
	RetryDelay     time.Duration `koanf:"retry_delay"`
}

// HTTPConfig holds the query API bind settings.
type HTTPConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// RetentionConfig controls the background reaper.
type RetentionConfig struct {
	// Hours is the retention window; records with an event timestamp
	// older than now-Hours are eligible for deletion.
	Hours int `koanf:"hours"`

	// CleanupIntervalSeconds is how often the reaper runs.
	CleanupIntervalSeconds int `koanf:"cleanup_interval_seconds"`
}

// LoggingConfig mirrors logging.Config for startup wiring.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Load reads configuration with layered sources (later sources override
// earlier ones):
//  1. Built-in defaults
//  2. Config file (config.yaml if present, or the path in CONFIG_PATH)
//  3. Environment variables
//
// See LoadWithKoanf for the underlying implementation.
func Load() (*Config, error) {
	return LoadWithKoanf()
}

// Addr returns the host:port bind address for the HTTP server.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN builds the PostgreSQL connection string for the pgx stdlib driver.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=disable connect_timeout=%d",
		c.Host, c.Port, c.Name, c.User, c.Password, int(c.ConnectTimeout.Seconds()),
	)
}

// Validate checks the configuration for values that would only fail later
// and with worse error messages.
func (c *Config) Validate() error {
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos %d out of range (0-2)", c.MQTT.QoS)
		}
		switch c.MQTT.AuthMethod {
		case "K8S-SAT", "none":
		default:
			return fmt.Errorf("mqtt.auth_method %q unsupported (K8S-SAT or none)", c.MQTT.AuthMethod)
		}
		if c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.topic must not be empty")
		}
		// The wire protocol carries keepalive as a uint16.
		if c.MQTT.KeepaliveSeconds < 0 || c.MQTT.KeepaliveSeconds > 65535 {
			return fmt.Errorf("mqtt.keepalive %d out of range (0-65535)", c.MQTT.KeepaliveSeconds)
		}
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host must not be empty")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port %d out of range", c.Database.Port)
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("database.pool_size must be at least 1")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Retention.Hours < 1 {
		return fmt.Errorf("retention.hours must be at least 1")
	}
	if c.Retention.CleanupIntervalSeconds < 1 {
		return fmt.Errorf("retention.cleanup_interval_seconds must be at least 1")
	}
	return nil
}
