// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package sensorbuf

import "time"

// Field names accepted in Config.EncryptedFields.
const (
	FieldValue   = "value"
	FieldQuality = "quality"
)

// Config holds the tunables for the buffer facade and the flush scheduler.
type Config struct {
	// FlushInterval is the periodic flush timer. Each tick attempts a flush
	// if none is in progress.
	FlushInterval time.Duration
	// BatchSizeThreshold triggers an immediate flush from CheckAndFlush once
	// the pending count reaches it.
	BatchSizeThreshold int
	// MaxAge bounds worst-case delivery latency: CheckAndFlush flushes when
	// the oldest pending reading exceeds it.
	MaxAge time.Duration
	// EnableLifecycleFlush opportunistically flushes when the host app
	// transitions to background/inactive.
	EnableLifecycleFlush bool
	// MaxBufferSize caps each subject partition; the oldest readings are
	// evicted first once the cap is exceeded (bounded FIFO, not LRU).
	MaxBufferSize int
	// EncryptedFields selects which sensitive fields are encrypted at rest.
	// Non-configured fields pass through unchanged.
	EncryptedFields []string
	// DefaultRetention applies to sensor kinds without an explicit window.
	DefaultRetention time.Duration
	// RetentionByKind overrides retention per sensor kind; different kinds
	// may carry different clinically motivated windows.
	RetentionByKind map[string]time.Duration
	// KeyRotationInterval is how old the active key may grow before the
	// composition root schedules a rotation. Zero disables age-based rotation.
	KeyRotationInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:        30 * time.Second,
		BatchSizeThreshold:   100,
		MaxAge:               5 * time.Minute,
		EnableLifecycleFlush: true,
		MaxBufferSize:        1000,
		EncryptedFields:      []string{FieldValue, FieldQuality},
		DefaultRetention:     30 * 24 * time.Hour,
		RetentionByKind:      map[string]time.Duration{},
	}
}

func (c *Config) encryptsField(name string) bool {
	for _, f := range c.EncryptedFields {
		if f == name {
			return true
		}
	}
	return false
}

func (c *Config) retentionFor(kind string) time.Duration {
	if d, ok := c.RetentionByKind[kind]; ok {
		return d
	}
	return c.DefaultRetention
}
