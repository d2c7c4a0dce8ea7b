// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package sensorbuf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cgb808/zenglow-sensorbuf/fieldcrypt"
)

// ErrInvalidReading is returned when producer input fails validation at the
// facade boundary. Nothing is persisted in that case.
var ErrInvalidReading = errors.New("sensorbuf: invalid reading")

// Buffer is the per-subject aggregation boundary: it validates producer
// input, coordinates the store and the encryption manager, and enforces the
// partition capacity cap. Producers and the scheduler depend only on it.
type Buffer struct {
	store  *Store
	crypt  *fieldcrypt.Manager
	config *Config
	logger *slog.Logger
}

// NewBuffer wires a Buffer over an initialized store and encryption manager.
// A nil config gets the production defaults.
func NewBuffer(store *Store, crypt *fieldcrypt.Manager, config *Config, logger *slog.Logger) *Buffer {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{store: store, crypt: crypt, config: config, logger: logger}
}

// Store exposes the underlying reading store for rotation and migration,
// which work through its fieldcrypt.Rewriter surface.
func (b *Buffer) Store() *Store { return b.store }

func validateInput(subjectID string, in ReadingInput) error {
	if subjectID == "" {
		return fmt.Errorf("%w: empty subject id", ErrInvalidReading)
	}
	if in.SensorKind == "" {
		return fmt.Errorf("%w: empty sensor kind", ErrInvalidReading)
	}
	if in.Quality < 0 || in.Quality > 100 {
		return fmt.Errorf("%w: quality %d out of range", ErrInvalidReading, in.Quality)
	}
	return nil
}

// prepare validates and encrypts one producer input into a persistable
// Reading. Fields outside the configured sensitive set pass through as their
// plain decimal representation.
func (b *Buffer) prepare(subjectID string, in ReadingInput) (*Reading, error) {
	if err := validateInput(subjectID, in); err != nil {
		return nil, err
	}
	r := &Reading{
		SubjectID:  subjectID,
		SensorKind: in.SensorKind,
		Value:      in.Value,
		Quality:    in.Quality,
		Timestamp:  in.Timestamp,
	}
	if len(b.config.EncryptedFields) == 0 {
		return r, nil
	}

	valueRepr := strconv.FormatFloat(in.Value, 'g', -1, 64)
	qualityRepr := strconv.Itoa(in.Quality)
	r.ValueCipher = valueRepr
	r.QualityCipher = qualityRepr

	if b.config.encryptsField(FieldValue) {
		sealed, err := b.crypt.EncryptField(valueRepr)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt value: %w", err)
		}
		r.ValueCipher = sealed
	}
	if b.config.encryptsField(FieldQuality) {
		sealed, err := b.crypt.EncryptField(qualityRepr)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt quality: %w", err)
		}
		r.QualityCipher = sealed
	}
	r.Encrypted = true
	return r, nil
}

// InsertReading validates, encrypts, and persists one reading, then trims the
// subject partition back under the configured cap (oldest rows first).
func (b *Buffer) InsertReading(ctx context.Context, subjectID string, in ReadingInput) error {
	r, err := b.prepare(subjectID, in)
	if err != nil {
		return err
	}
	if err := b.store.Insert(ctx, r); err != nil {
		return err
	}
	return b.enforceCapacity(ctx, subjectID)
}

// InsertReadingBatch persists a batch all-or-nothing. Validation failure of
// any input rejects the whole batch before anything is written.
func (b *Buffer) InsertReadingBatch(ctx context.Context, subjectID string, inputs []ReadingInput) error {
	if len(inputs) == 0 {
		return nil
	}
	readings := make([]*Reading, 0, len(inputs))
	for _, in := range inputs {
		r, err := b.prepare(subjectID, in)
		if err != nil {
			return err
		}
		readings = append(readings, r)
	}
	if err := b.store.InsertBatch(ctx, readings); err != nil {
		return err
	}
	return b.enforceCapacity(ctx, subjectID)
}

func (b *Buffer) enforceCapacity(ctx context.Context, subjectID string) error {
	if b.config.MaxBufferSize <= 0 {
		return nil
	}
	count, err := b.store.SubjectCount(ctx, subjectID)
	if err != nil {
		return err
	}
	if count <= int64(b.config.MaxBufferSize) {
		return nil
	}
	evicted, err := b.store.EvictOldest(ctx, subjectID, b.config.MaxBufferSize)
	if err != nil {
		return err
	}
	if evicted > 0 {
		b.logger.Warn("buffer capacity exceeded, evicted oldest readings",
			"subject_id", subjectID, "evicted", evicted, "max", b.config.MaxBufferSize)
	}
	return nil
}

// decrypt restores the plaintext fields of one reading in place. A decrypt
// failure on one field leaves that field in ciphertext form and keeps the
// reading; it never aborts the batch. Encrypted is cleared only when every
// sensitive field decrypted cleanly.
func (b *Buffer) decrypt(r *Reading) {
	if !r.Encrypted {
		return
	}
	ok := true
	if v, err := b.plainField(r.ValueCipher); err != nil {
		b.logger.Warn("failed to decrypt reading value", "id", r.ID, "error", err)
		ok = false
	} else if parsed, err := strconv.ParseFloat(v, 64); err != nil {
		b.logger.Warn("decrypted value is not numeric", "id", r.ID, "error", err)
		ok = false
	} else {
		r.Value = parsed
	}
	if q, err := b.plainField(r.QualityCipher); err != nil {
		b.logger.Warn("failed to decrypt reading quality", "id", r.ID, "error", err)
		ok = false
	} else if parsed, err := strconv.Atoi(q); err != nil {
		b.logger.Warn("decrypted quality is not an integer", "id", r.ID, "error", err)
		ok = false
	} else {
		r.Quality = parsed
	}
	if ok {
		r.Encrypted = false
		r.ValueCipher = ""
		r.QualityCipher = ""
	}
}

// plainField resolves a stored field that may be ciphertext or a plain
// pass-through representation.
func (b *Buffer) plainField(stored string) (string, error) {
	if !fieldcrypt.IsCiphertext(stored) {
		return stored, nil
	}
	return b.crypt.DecryptField(stored)
}

// GetReadings returns decrypted readings for one subject, most recent first,
// optionally filtered by sensor kind and capped.
func (b *Buffer) GetReadings(ctx context.Context, subjectID, kind string, limit int) ([]Reading, error) {
	readings, err := b.store.SubjectReadings(ctx, subjectID, kind, limit)
	if err != nil {
		return nil, err
	}
	for i := range readings {
		b.decrypt(&readings[i])
	}
	return readings, nil
}

// PendingReadings returns decrypted unflushed readings, oldest first, for
// delivery. The scheduler is its only intended caller.
func (b *Buffer) PendingReadings(ctx context.Context, limit int) ([]Reading, error) {
	readings, err := b.store.GetPending(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i := range readings {
		b.decrypt(&readings[i])
	}
	return readings, nil
}

// MarkFlushed acknowledges delivered readings. Idempotent.
func (b *Buffer) MarkFlushed(ctx context.Context, ids []int64) error {
	return b.store.MarkFlushed(ctx, ids)
}

// PendingStats returns the pending count and oldest pending capture time.
func (b *Buffer) PendingStats(ctx context.Context) (int64, *time.Time, error) {
	return b.store.PendingStats(ctx)
}

// Stats returns the store-wide aggregate.
func (b *Buffer) Stats(ctx context.Context) (StoreStats, error) {
	return b.store.Stats(ctx)
}

// Subjects returns the active subject partitions.
func (b *Buffer) Subjects(ctx context.Context) ([]string, error) {
	return b.store.Subjects(ctx)
}

// ClearExpired applies the per-sensor-kind retention windows across every
// subject partition and purges readings past their window. Returns the
// number of purged readings.
func (b *Buffer) ClearExpired(ctx context.Context) (int64, error) {
	subjects, err := b.store.Subjects(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	var total int64
	for _, subject := range subjects {
		kinds, err := b.store.SubjectKinds(ctx, subject)
		if err != nil {
			return total, err
		}
		for _, kind := range kinds {
			retention := b.config.retentionFor(kind)
			if retention <= 0 {
				continue
			}
			n, err := b.store.PurgeSubjectKindBefore(ctx, subject, kind, now.Add(-retention))
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	if total > 0 {
		b.logger.Info("cleared expired readings", "purged", total)
	}
	return total, nil
}

// Purge deletes readings captured before the given time; when before is the
// zero time it instead deletes all readings already flushed.
func (b *Buffer) Purge(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		return b.store.PurgeFlushed(ctx)
	}
	return b.store.Purge(ctx, before)
}
