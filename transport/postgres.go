// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cgb808/zenglow-sensorbuf/sensorbuf"
)

// ManagedBackendAdapter inserts readings directly into a managed Postgres
// backend, one row per reading, inside a single transaction. The local
// reading id plus the device id form a correlation key with ON CONFLICT DO
// NOTHING, so a redelivered batch (e.g. after a lost acknowledgment) never
// produces duplicate rows.
type ManagedBackendAdapter struct {
	pool     *pgxpool.Pool
	deviceID string
	table    string
	logger   *slog.Logger
}

// NewManagedBackendAdapter builds an adapter writing into table (default
// "device_sensor_readings" when empty).
func NewManagedBackendAdapter(pool *pgxpool.Pool, deviceID, table string, logger *slog.Logger) *ManagedBackendAdapter {
	if table == "" {
		table = "device_sensor_readings"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagedBackendAdapter{pool: pool, deviceID: deviceID, table: table, logger: logger}
}

func (a *ManagedBackendAdapter) SendBatch(ctx context.Context, readings []sensorbuf.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin backend tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		INSERT INTO %s (device_id, client_reading_id, subject_id, sensor_type, value, quality, ts)
		VALUES ($1, $2, $3, $4, $5, $6, to_timestamp($7::double precision / 1000))
		ON CONFLICT (device_id, client_reading_id) DO NOTHING
	`, a.table)

	for _, r := range readings {
		_, err := tx.Exec(ctx, query,
			a.deviceID, r.ID, r.SubjectID, r.SensorKind, r.Value, r.Quality, r.Timestamp.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("failed to insert reading %d: %w", r.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit reading batch: %w", err)
	}

	a.logger.Debug("inserted reading batch", "count", len(readings), "table", a.table)
	return len(readings), nil
}
