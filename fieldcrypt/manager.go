// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package fieldcrypt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Credential slot names within the keystore. The active key serves normal
// encrypt/decrypt traffic; a pending key only exists while a rotation is in
// flight (or was interrupted); a retired key is the previous active key, kept
// between a rotation's flip and its verified-clean sweep so rows written
// during the rotation stay readable.
const (
	slotActive  = "active"
	slotPending = "pending"
	slotRetired = "retired"
)

// ErrNoActiveKey is returned when encryption is attempted before EnsureKey
// has established a usable key.
var ErrNoActiveKey = errors.New("fieldcrypt: no active encryption key")

// CipherRow is one persisted row's sensitive fields in ciphertext form,
// exchanged with a Rewriter during key rotation.
type CipherRow struct {
	ID            int64
	ValueCipher   string
	QualityCipher string
}

// PlainRow is one legacy plaintext row awaiting migration.
type PlainRow struct {
	ID      int64
	Value   string
	Quality string
}

// MigrationStatus records plaintext-migration progress. It is persisted
// through the Rewriter so an interrupted migration resumes instead of
// restarting from zero ambiguity.
type MigrationStatus struct {
	InProgress      bool       `json:"in_progress"`
	TotalRecords    int64      `json:"total_records"`
	MigratedRecords int64      `json:"migrated_records"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
}

// Rewriter is the persistence surface rotation and migration work through.
// The reading store satisfies it; fieldcrypt itself stays free of SQL.
type Rewriter interface {
	// Subjects enumerates the active subject partitions.
	Subjects(ctx context.Context) ([]string, error)
	// CipherRows returns the encrypted rows of one partition.
	CipherRows(ctx context.Context, subjectID string) ([]CipherRow, error)
	// RewriteCipherRows replaces ciphertext transactionally.
	RewriteCipherRows(ctx context.Context, rows []CipherRow) error
	// CountPlain counts rows not yet in the encrypted format.
	CountPlain(ctx context.Context) (int64, error)
	// PlainRows pages through plaintext rows with id > afterID, oldest first.
	PlainRows(ctx context.Context, afterID int64, limit int) ([]PlainRow, error)
	// MarkEncrypted installs ciphertext on a plaintext row; a no-op if the
	// row was already migrated.
	MarkEncrypted(ctx context.Context, id int64, valueCipher, qualityCipher string) error
	// LoadMigrationStatus returns the persisted checkpoint, or nil.
	LoadMigrationStatus(ctx context.Context) (*MigrationStatus, error)
	// SaveMigrationStatus persists the checkpoint.
	SaveMigrationStatus(ctx context.Context, st *MigrationStatus) error
}

// Manager owns the key lifecycle and performs field-level encrypt/decrypt.
// It is an explicit instance with no package-level state; construct one at
// the composition root and hand it to the buffer facade.
type Manager struct {
	ks     Keystore
	keyTTL time.Duration // 0 means keys never expire
	logger *slog.Logger

	mu        sync.RWMutex
	active    *Key
	byVersion map[int]*Key // active plus any pending key, for decryption
}

// NewManager creates a Manager over the given keystore. keyTTL of zero
// disables key expiry.
func NewManager(ks Keystore, keyTTL time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ks:        ks,
		keyTTL:    keyTTL,
		logger:    logger,
		byVersion: make(map[int]*Key),
	}
}

// EnsureKey loads the active key from the keystore, generating and persisting
// a fresh 256-bit key if none exists. Failure here is fatal to subsystem
// initialization: without a usable key no sensitive field can be stored.
//
// Absence is the only condition that generates a key. An expired active key
// is still loaded (existing ciphertext must stay readable) and reported
// through RotationDue; replacing it safely requires a full RotateKey, since
// silently regenerating would orphan every ciphertext written under it.
func (m *Manager) EnsureKey(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.ks.Load(slotActive)
	if errors.Is(err, ErrKeyNotFound) {
		active, err = newKey(1, m.keyTTL)
		if err != nil {
			return fmt.Errorf("failed to generate initial key: %w", err)
		}
		active.Active = true
		if err := m.ks.Store(slotActive, active); err != nil {
			return fmt.Errorf("failed to persist initial key: %w", err)
		}
		m.logger.Info("generated initial encryption key",
			"key_id", active.KeyID, "version", active.Version)
	} else if err != nil {
		return fmt.Errorf("failed to load active key: %w", err)
	}

	m.active = active
	m.byVersion = map[int]*Key{active.Version: active}

	// An interrupted rotation leaves a pending or retired key behind; keep
	// them loadable so every persisted ciphertext version stays readable
	// until Recover runs.
	if pending, err := m.ks.Load(slotPending); err == nil {
		m.byVersion[pending.Version] = pending
		m.logger.Warn("found pending rotation key; rotation should be resumed",
			"key_id", pending.KeyID, "version", pending.Version)
	} else if !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("failed to load pending key: %w", err)
	}
	if retired, err := m.ks.Load(slotRetired); err == nil {
		m.byVersion[retired.Version] = retired
		m.logger.Warn("found retired rotation key; cleanup sweep should be resumed",
			"key_id", retired.KeyID, "version", retired.Version)
	} else if !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("failed to load retired key: %w", err)
	}

	if active.Expired(time.Now()) {
		m.logger.Warn("active encryption key is expired; rotation due",
			"key_id", active.KeyID, "expires_at", active.ExpiresAt)
	}
	return nil
}

// RotationDue reports whether the active key is past its expiry or older
// than maxAge (0 disables the age check).
func (m *Manager) RotationDue(maxAge time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return false
	}
	now := time.Now()
	if m.active.Expired(now) {
		return true
	}
	return maxAge > 0 && now.Sub(m.active.CreatedAt) > maxAge
}

// ActiveKeyInfo returns the id and version of the active key, for
// observability. The material itself never leaves the manager.
func (m *Manager) ActiveKeyInfo() (keyID string, version int, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return "", 0, false
	}
	return m.active.KeyID, m.active.Version, true
}

// EncryptField encrypts one sensitive field under the active key.
func (m *Manager) EncryptField(plaintext string) (string, error) {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()
	if active == nil {
		return "", ErrNoActiveKey
	}
	return sealField(active.Material, active.Version, plaintext)
}

// DecryptField decrypts one field. The embedded key version selects the key,
// so rows written under a pending rotation key remain readable.
func (m *Manager) DecryptField(ciphertext string) (string, error) {
	version, sealed, err := parseCiphertext(ciphertext)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	key, ok := m.byVersion[version]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("fieldcrypt: no key for version %d", version)
	}
	return openField(key.Material, sealed)
}
