// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration from a YAML file with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cgb808/zenglow-sensorbuf/sensorbuf"
)

// Config is the on-disk configuration surface.
type Config struct {
	DatabaseName          string   `yaml:"database_name"`
	KeystoreDir           string   `yaml:"keystore_dir"`
	DeviceSecret          string   `yaml:"device_secret"` // prefer SENSORBUF_DEVICE_SECRET
	FlushIntervalMs       int64    `yaml:"flush_interval_ms"`
	BatchSizeThreshold    int      `yaml:"batch_size_threshold"`
	MaxAgeMs              int64    `yaml:"max_age_ms"`
	EnableLifecycleFlush  bool     `yaml:"enable_lifecycle_flush"`
	MaxBufferSize         int      `yaml:"max_buffer_size"`
	EncryptedFields       []string `yaml:"encrypted_fields"`
	KeyRotationIntervalMs int64    `yaml:"key_rotation_interval_ms"`

	Retention RetentionConfig `yaml:"retention"`
	Transport TransportConfig `yaml:"transport"`
}

// RetentionConfig holds per-sensor-kind retention windows in milliseconds.
type RetentionConfig struct {
	DefaultMs int64            `yaml:"default_ms"`
	ByKindMs  map[string]int64 `yaml:"by_kind_ms"`
}

// TransportConfig selects and configures one delivery adapter.
type TransportConfig struct {
	Kind     string         `yaml:"kind"` // http | postgres | mqtt | redis | mock
	HTTP     HTTPConfig     `yaml:"http"`
	Postgres PostgresConfig `yaml:"postgres"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Redis    RedisConfig    `yaml:"redis"`
}

type HTTPConfig struct {
	BaseURL     string `yaml:"base_url"`
	AccountID   string `yaml:"account_id"`
	DeviceID    string `yaml:"device_id"`
	TokenSecret string `yaml:"token_secret"` // prefer SENSORBUF_TOKEN_SECRET
	TokenTTLMs  int64  `yaml:"token_ttl_ms"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"` // prefer SENSORBUF_PG_DSN
	DeviceID string `yaml:"device_id"`
	Table    string `yaml:"table"`
}

type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"` // prefer SENSORBUF_MQTT_PASSWORD
	TopicPrefix string `yaml:"topic_prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"` // prefer SENSORBUF_REDIS_PASSWORD
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
}

// Default returns the built-in configuration.
func Default() *Config {
	buf := sensorbuf.DefaultConfig()
	return &Config{
		DatabaseName:         "sensorbuf.db",
		KeystoreDir:          "keystore",
		FlushIntervalMs:      buf.FlushInterval.Milliseconds(),
		BatchSizeThreshold:   buf.BatchSizeThreshold,
		MaxAgeMs:             buf.MaxAge.Milliseconds(),
		EnableLifecycleFlush: buf.EnableLifecycleFlush,
		MaxBufferSize:        buf.MaxBufferSize,
		EncryptedFields:      buf.EncryptedFields,
		Retention: RetentionConfig{
			DefaultMs: buf.DefaultRetention.Milliseconds(),
		},
		Transport: TransportConfig{Kind: "mock"},
	}
}

// Load reads path (optional; empty path returns defaults), then applies
// environment overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SENSORBUF_DEVICE_SECRET"); v != "" {
		cfg.DeviceSecret = v
	}
	if v := os.Getenv("SENSORBUF_TOKEN_SECRET"); v != "" {
		cfg.Transport.HTTP.TokenSecret = v
	}
	if v := os.Getenv("SENSORBUF_PG_DSN"); v != "" {
		cfg.Transport.Postgres.DSN = v
	}
	if v := os.Getenv("SENSORBUF_MQTT_PASSWORD"); v != "" {
		cfg.Transport.MQTT.Password = v
	}
	if v := os.Getenv("SENSORBUF_REDIS_PASSWORD"); v != "" {
		cfg.Transport.Redis.Password = v
	}
}

// BufferConfig converts the on-disk shape into the runtime config.
func (c *Config) BufferConfig() *sensorbuf.Config {
	buf := sensorbuf.DefaultConfig()
	if c.FlushIntervalMs > 0 {
		buf.FlushInterval = time.Duration(c.FlushIntervalMs) * time.Millisecond
	}
	if c.BatchSizeThreshold > 0 {
		buf.BatchSizeThreshold = c.BatchSizeThreshold
	}
	if c.MaxAgeMs > 0 {
		buf.MaxAge = time.Duration(c.MaxAgeMs) * time.Millisecond
	}
	buf.EnableLifecycleFlush = c.EnableLifecycleFlush
	if c.MaxBufferSize > 0 {
		buf.MaxBufferSize = c.MaxBufferSize
	}
	if c.EncryptedFields != nil {
		buf.EncryptedFields = c.EncryptedFields
	}
	if c.KeyRotationIntervalMs > 0 {
		buf.KeyRotationInterval = time.Duration(c.KeyRotationIntervalMs) * time.Millisecond
	}
	if c.Retention.DefaultMs > 0 {
		buf.DefaultRetention = time.Duration(c.Retention.DefaultMs) * time.Millisecond
	}
	for kind, ms := range c.Retention.ByKindMs {
		buf.RetentionByKind[kind] = time.Duration(ms) * time.Millisecond
	}
	return buf
}
