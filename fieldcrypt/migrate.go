// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package fieldcrypt

import (
	"context"
	"fmt"
	"time"
)

// migrateBatchSize bounds how many plaintext rows are pulled per page so the
// checkpoint stays fresh on large legacy stores.
const migrateBatchSize = 500

// maxMigrationErrors caps the per-row error list carried on the status.
const maxMigrationErrors = 100

// MigratePlaintext scans for legacy rows not yet in the encrypted format and
// encrypts them in place. Progress is checkpointed through the Rewriter after
// every page, so an interrupted migration resumes, and rows already marked
// encrypted are skipped, so repeated runs are no-ops. Per-row failures are
// collected on the returned status instead of aborting the scan.
func (m *Manager) MigratePlaintext(ctx context.Context, rw Rewriter) (MigrationStatus, error) {
	m.mu.RLock()
	hasKey := m.active != nil
	m.mu.RUnlock()
	if !hasKey {
		return MigrationStatus{}, ErrNoActiveKey
	}

	remaining, err := rw.CountPlain(ctx)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to count plaintext rows: %w", err)
	}

	status := MigrationStatus{
		InProgress:   true,
		TotalRecords: remaining,
		StartedAt:    time.Now(),
	}
	if prev, err := rw.LoadMigrationStatus(ctx); err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to load migration checkpoint: %w", err)
	} else if prev != nil && prev.InProgress {
		// Resume: keep the original start time and carry the running totals.
		status.StartedAt = prev.StartedAt
		status.TotalRecords = prev.TotalRecords
		status.MigratedRecords = prev.MigratedRecords
		status.Errors = prev.Errors
		m.logger.Info("resuming plaintext migration",
			"migrated", prev.MigratedRecords, "remaining", remaining)
	}
	if err := rw.SaveMigrationStatus(ctx, &status); err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to persist migration checkpoint: %w", err)
	}

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return status, fmt.Errorf("migration cancelled: %w", err)
		}
		rows, err := rw.PlainRows(ctx, afterID, migrateBatchSize)
		if err != nil {
			return status, fmt.Errorf("failed to page plaintext rows: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			afterID = row.ID
			valueCipher, err := m.EncryptField(row.Value)
			if err == nil {
				var qualityCipher string
				qualityCipher, err = m.EncryptField(row.Quality)
				if err == nil {
					err = rw.MarkEncrypted(ctx, row.ID, valueCipher, qualityCipher)
				}
			}
			if err != nil {
				if len(status.Errors) < maxMigrationErrors {
					status.Errors = append(status.Errors, fmt.Sprintf("row %d: %v", row.ID, err))
				}
				continue
			}
			status.MigratedRecords++
		}
		if err := rw.SaveMigrationStatus(ctx, &status); err != nil {
			return status, fmt.Errorf("failed to persist migration checkpoint: %w", err)
		}
	}

	now := time.Now()
	status.InProgress = false
	status.CompletedAt = &now
	if err := rw.SaveMigrationStatus(ctx, &status); err != nil {
		return status, fmt.Errorf("failed to persist final migration status: %w", err)
	}
	m.logger.Info("plaintext migration complete",
		"migrated", status.MigratedRecords, "errors", len(status.Errors))
	return status, nil
}
