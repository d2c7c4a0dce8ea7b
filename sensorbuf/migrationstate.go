// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package sensorbuf

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cgb808/zenglow-sensorbuf/fieldcrypt"
)

// LoadMigrationStatus returns the persisted plaintext-migration checkpoint,
// or nil when no migration has been recorded.
func (s *Store) LoadMigrationStatus(ctx context.Context) (*fieldcrypt.MigrationStatus, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM migration_status WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load migration status: %w", err)
	}
	var st fieldcrypt.MigrationStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("failed to parse migration status: %w", err)
	}
	return &st, nil
}

// SaveMigrationStatus persists the plaintext-migration checkpoint.
func (s *Store) SaveMigrationStatus(ctx context.Context, st *fieldcrypt.MigrationStatus) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to serialize migration status: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO migration_status (id, status) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
	`, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save migration status: %w", err)
	}
	return nil
}
