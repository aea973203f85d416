// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

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

// DefaultConfigPaths lists where the base config file is searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/edge-historian/config.yaml",
	"/etc/edge-historian/config.yml",
}

// ConfigPathEnvVar overrides the config file search entirely.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns the built-in defaults, matching the values the
// historian ships with for in-cluster AIO deployments.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Enabled:               true,
			Broker:                "aio-broker.azure-iot-operations.svc.cluster.local",
			Port:                  18883,
			Topic:                 "#",
			QoS:                   0,
			AuthMethod:            "K8S-SAT",
			SATTokenPath:          "/var/run/secrets/tokens/broker-sat",
			ClientIDPrefix:        "historian",
			KeepaliveSeconds:      60,
			ReconnectDelaySeconds: 5,
			UseTLS:                false,
			ConnectTimeout:        30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Name:           "mqtt_historian",
			User:           "historian",
			Password:       "",
			PoolSize:       5,
			ConnectTimeout: 30 * time.Second,
			ConnectRetries: 30,
			RetryDelay:     2 * time.Second,
		},
		HTTP: HTTPConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 30 * time.Second,
		},
		Retention: RetentionConfig{
			Hours:                  24,
			CleanupIntervalSeconds: 3600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// LoadWithKoanf loads configuration with layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches CONFIG_PATH then the default paths.
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

// envTransformFunc maps recognized environment variable names to config
// paths. Unmapped variables are dropped so arbitrary process environment
// cannot pollute the configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// MQTT mappings
		"mqtt_enabled":         "mqtt.enabled",
		"mqtt_broker":          "mqtt.broker",
		"mqtt_port":            "mqtt.port",
		"mqtt_topic":           "mqtt.topic",
		"mqtt_qos":             "mqtt.qos",
		"mqtt_auth_method":     "mqtt.auth_method",
		"sat_token_path":       "mqtt.sat_token_path",
		"mqtt_client_prefix":   "mqtt.client_id_prefix",
		"mqtt_keepalive":       "mqtt.keepalive",
		"mqtt_reconnect_delay": "mqtt.reconnect_delay",
		"mqtt_use_tls":         "mqtt.use_tls",
		"mqtt_connect_timeout": "mqtt.connect_timeout",

		// Database mappings (POSTGRES_* names match the container image)
		"postgres_host":       "database.host",
		"postgres_port":       "database.port",
		"postgres_db":         "database.name",
		"postgres_user":       "database.user",
		"postgres_password":   "database.password",
		"db_pool_size":        "database.pool_size",
		"db_connect_timeout":  "database.connect_timeout",
		"db_connect_retries":  "database.connect_retries",
		"db_retry_delay":      "database.retry_delay",

		// HTTP mappings
		"http_host":    "http.host",
		"http_port":    "http.port",
		"http_timeout": "http.timeout",

		// Retention mappings
		"retention_hours":          "retention.hours",
		"cleanup_interval_seconds": "retention.cleanup_interval_seconds",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Skip unmapped keys.
	return ""
}
