// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package fieldcrypt

import (
	"context"
	"errors"
	"fmt"
)

// RotateKey replaces the active key. The new key is persisted as pending
// before any data is touched, every subject partition is re-encrypted under
// it, and only then does the pending key become active. The old key is not
// discarded at the flip: it moves to a retired keystore slot and stays
// loadable until a verification sweep confirms no persisted row still
// references it, which covers rows a producer encrypted under the old key
// while the first sweep was running. A crash at any point leaves every
// referenced key loadable, and a later call resumes.
//
// If a partition fails during the first sweep it is retried once; a second
// failure aborts the whole rotation with the old key still active, so no row
// is ever unreadable.
func (m *Manager) RotateKey(ctx context.Context, rw Rewriter) error {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return ErrNoActiveKey
	}
	old := m.active

	pending, err := m.ks.Load(slotPending)
	if errors.Is(err, ErrKeyNotFound) {
		pending, err = newKey(old.Version+1, m.keyTTL)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to generate rotation key: %w", err)
		}
		if err := m.ks.Store(slotPending, pending); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to persist pending key: %w", err)
		}
		m.logger.Info("started key rotation",
			"old_version", old.Version, "new_version", pending.Version)
	} else if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to load pending key: %w", err)
	} else {
		m.logger.Info("resuming interrupted key rotation",
			"old_version", old.Version, "new_version", pending.Version)
	}
	m.byVersion[pending.Version] = pending
	m.mu.Unlock()

	subjects, err := rw.Subjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate subject partitions: %w", err)
	}
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rotation cancelled: %w", err)
		}
		if _, err := m.reencryptPartition(ctx, rw, subject, pending); err != nil {
			m.logger.Warn("partition re-encryption failed, retrying once",
				"subject_id", subject, "error", err)
			if _, err := m.reencryptPartition(ctx, rw, subject, pending); err != nil {
				return fmt.Errorf("failed to re-encrypt partition %s: %w", subject, err)
			}
		}
	}

	// Flip: retire the old key first so it survives a crash, then install the
	// new key as active. From here on new inserts encrypt under the new key,
	// which is what lets the verification sweep below converge.
	if err := m.ks.Store(slotRetired, old); err != nil {
		return fmt.Errorf("failed to retire old key: %w", err)
	}
	pending.Active = true
	if err := m.ks.Store(slotActive, pending); err != nil {
		return fmt.Errorf("failed to activate rotated key: %w", err)
	}
	if err := m.ks.Delete(slotPending); err != nil {
		return fmt.Errorf("failed to clear pending key slot: %w", err)
	}

	m.mu.Lock()
	m.active = pending
	m.byVersion = map[int]*Key{old.Version: old, pending.Version: pending}
	m.mu.Unlock()

	return m.finishRotation(ctx, rw, pending)
}

// finishRotation sweeps the partitions until a full pass finds no row on a
// stale key version, then discards the retired key. Rows encrypted under the
// old key while the first sweep ran are caught here; since the new key is
// already active no further stale rows can appear.
func (m *Manager) finishRotation(ctx context.Context, rw Rewriter, target *Key) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rotation cancelled: %w", err)
		}
		subjects, err := rw.Subjects(ctx)
		if err != nil {
			return fmt.Errorf("failed to enumerate subject partitions: %w", err)
		}
		rewritten := 0
		for _, subject := range subjects {
			n, err := m.reencryptPartition(ctx, rw, subject, target)
			if err != nil {
				return fmt.Errorf("failed to re-encrypt late rows in %s: %w", subject, err)
			}
			rewritten += n
		}
		if rewritten == 0 {
			break
		}
		m.logger.Info("re-encrypted rows written during rotation", "count", rewritten)
	}

	if err := m.ks.Delete(slotRetired); err != nil {
		return fmt.Errorf("failed to discard retired key: %w", err)
	}
	m.mu.Lock()
	m.byVersion = map[int]*Key{target.Version: target}
	m.mu.Unlock()

	m.logger.Info("key rotation complete",
		"key_id", target.KeyID, "version", target.Version)
	return nil
}

// Recover resumes an interrupted rotation. A pending key means the process
// died before the flip; a retired key without a pending one means it died
// between the flip and the verified-clean sweep. With neither it is a no-op.
func (m *Manager) Recover(ctx context.Context, rw Rewriter) error {
	if _, err := m.ks.Load(slotPending); err == nil {
		return m.RotateKey(ctx, rw)
	} else if !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("failed to check pending key: %w", err)
	}

	if _, err := m.ks.Load(slotRetired); errors.Is(err, ErrKeyNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to check retired key: %w", err)
	}
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()
	if active == nil {
		return ErrNoActiveKey
	}
	return m.finishRotation(ctx, rw, active)
}

// reencryptPartition moves one partition's rows onto the target key and
// reports how many rows it rewrote.
func (m *Manager) reencryptPartition(ctx context.Context, rw Rewriter, subjectID string, target *Key) (int, error) {
	rows, err := rw.CipherRows(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	rewritten := make([]CipherRow, 0, len(rows))
	for _, row := range rows {
		out, changed, err := m.reencryptRow(row, target)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", row.ID, err)
		}
		if changed {
			rewritten = append(rewritten, out)
		}
	}
	if len(rewritten) == 0 {
		return 0, nil
	}
	if err := rw.RewriteCipherRows(ctx, rewritten); err != nil {
		return 0, err
	}
	return len(rewritten), nil
}

// reencryptRow moves one row's fields onto the target key. Fields already on
// the target version pass through untouched, which is what makes a resumed
// rotation idempotent.
func (m *Manager) reencryptRow(row CipherRow, target *Key) (CipherRow, bool, error) {
	changed := false
	out := row
	for _, f := range []struct {
		in  string
		dst *string
	}{
		{row.ValueCipher, &out.ValueCipher},
		{row.QualityCipher, &out.QualityCipher},
	} {
		// Fields outside the configured sensitive set are stored as plain
		// pass-through values even on encrypted rows; leave them alone.
		if !IsCiphertext(f.in) {
			continue
		}
		version, _, err := parseCiphertext(f.in)
		if err != nil {
			return CipherRow{}, false, err
		}
		if version == target.Version {
			continue
		}
		plain, err := m.DecryptField(f.in)
		if err != nil {
			return CipherRow{}, false, err
		}
		sealed, err := sealField(target.Material, target.Version, plain)
		if err != nil {
			return CipherRow{}, false, err
		}
		*f.dst = sealed
		changed = true
	}
	return out, changed, nil
}
