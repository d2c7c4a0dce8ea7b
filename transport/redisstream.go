// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/cgb808/zenglow-sensorbuf/sensorbuf"
)

// RedisStreamAdapter appends readings to a Redis stream for downstream
// pipeline consumers, one stream entry per reading, submitted as a single
// pipeline so a batch is delivered together.
type RedisStreamAdapter struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisStreamAdapter(client *redis.Client, stream string, logger *slog.Logger) *RedisStreamAdapter {
	if stream == "" {
		stream = "sensor:readings"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStreamAdapter{client: client, stream: stream, logger: logger}
}

func (a *RedisStreamAdapter) SendBatch(ctx context.Context, readings []sensorbuf.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	pipe := a.client.TxPipeline()
	for _, w := range toWire(readings) {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: a.stream,
			Values: map[string]interface{}{
				"subject_id":  w.SubjectID,
				"sensor_type": w.SensorType,
				"value":       w.Value,
				"quality":     w.Quality,
				"timestamp":   w.Timestamp,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to append readings to stream %s: %w", a.stream, err)
	}

	a.logger.Debug("appended reading batch to stream", "count", len(readings), "stream", a.stream)
	return len(readings), nil
}
