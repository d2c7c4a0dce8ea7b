// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package sensorbuf

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cgb808/zenglow-sensorbuf/fieldcrypt"
)

// Store is the durable, append-only reading store. All writes are serialized
// through writeMu to prevent SQLite locking issues under concurrent producers.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *slog.Logger
}

// NewStore initializes the reading schema on db and returns a Store. The
// database is put into WAL mode so reads during a flush never block inserts.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize reading schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	stmts := []string{
		// One table per device; subject_id partitions every operation.
		`CREATE TABLE IF NOT EXISTS sensor_readings (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			subject_id  TEXT NOT NULL,
			sensor_type TEXT NOT NULL,
			value       TEXT NOT NULL,              -- ciphertext when encrypted, decimal string otherwise
			quality     TEXT NOT NULL,
			ts          INTEGER NOT NULL,           -- epoch millis
			flushed     INTEGER NOT NULL DEFAULT 0, -- 0/1, transitions only 0 -> 1
			encrypted   INTEGER NOT NULL DEFAULT 0  -- 0/1, transitions only 0 -> 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_ts ON sensor_readings(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_flushed ON sensor_readings(flushed)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_sensor_type ON sensor_readings(sensor_type)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_subject ON sensor_readings(subject_id)`,

		// Explicit index of active subject partitions. Key rotation iterates
		// this table instead of scanning the whole reading table.
		`CREATE TABLE IF NOT EXISTS buffer_subjects (
			subject_id TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL
		)`,

		// Single-row checkpoint for the plaintext migration, so an
		// interrupted migration resumes instead of restarting.
		`CREATE TABLE IF NOT EXISTS migration_status (
			id     INTEGER PRIMARY KEY CHECK (id = 1),
			status TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create reading table: %w", err)
		}
	}
	return nil
}

// encodeValue returns the TEXT column representation of the sensitive fields.
func encodeValue(r *Reading) (value, quality string) {
	if r.Encrypted {
		return r.ValueCipher, r.QualityCipher
	}
	return strconv.FormatFloat(r.Value, 'g', -1, 64), strconv.Itoa(r.Quality)
}

// Insert appends one reading, assigning its timestamp if absent and its id
// from the store. The subject index is updated in the same transaction.
func (s *Store) Insert(ctx context.Context, r *Reading) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertInTx(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert: %w", err)
	}
	return nil
}

// InsertBatch appends readings all-or-nothing within a single transaction so
// high-frequency producers never leave partial batches behind.
func (s *Store) InsertBatch(ctx context.Context, readings []*Reading) error {
	if len(readings) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch insert tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range readings {
		if err := insertInTx(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch insert: %w", err)
	}
	return nil
}

func insertInTx(ctx context.Context, tx *sql.Tx, r *Reading) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	value, quality := encodeValue(r)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sensor_readings (subject_id, sensor_type, value, quality, ts, flushed, encrypted)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, r.SubjectID, r.SensorKind, value, quality, r.Timestamp.UnixMilli(), boolToInt(r.Encrypted))
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get reading id: %w", err)
	}
	r.ID = id

	_, err = tx.ExecContext(ctx, `
		INSERT INTO buffer_subjects (subject_id, updated_at) VALUES (?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET updated_at = excluded.updated_at
	`, r.SubjectID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to update subject index: %w", err)
	}
	return nil
}

const readingColumns = `id, subject_id, sensor_type, value, quality, ts, flushed, encrypted`

func scanReading(rows *sql.Rows) (Reading, error) {
	var r Reading
	var value, quality string
	var ts int64
	var flushed, encrypted int
	if err := rows.Scan(&r.ID, &r.SubjectID, &r.SensorKind, &value, &quality, &ts, &flushed, &encrypted); err != nil {
		return Reading{}, fmt.Errorf("failed to scan reading: %w", err)
	}
	r.Timestamp = time.UnixMilli(ts)
	r.Flushed = flushed == 1
	r.Encrypted = encrypted == 1
	if r.Encrypted {
		r.ValueCipher = value
		r.QualityCipher = quality
	} else {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Reading{}, fmt.Errorf("failed to parse reading value %q: %w", value, err)
		}
		q, err := strconv.Atoi(quality)
		if err != nil {
			return Reading{}, fmt.Errorf("failed to parse reading quality %q: %w", quality, err)
		}
		r.Value = v
		r.Quality = q
	}
	return r, nil
}

// GetPending returns unflushed readings in ascending timestamp order (oldest
// first). The ordering is load-bearing: it drives the max-age trigger and
// gives FIFO delivery within a subject partition. limit <= 0 means unbounded.
func (s *Store) GetPending(ctx context.Context, limit int) ([]Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM sensor_readings WHERE flushed = 0 ORDER BY ts ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending readings: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PendingStats returns the pending count and the oldest pending capture time,
// the two inputs the batch-size and max-age triggers need.
func (s *Store) PendingStats(ctx context.Context) (count int64, oldest *time.Time, err error) {
	var oldestMillis sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(ts) FROM sensor_readings WHERE flushed = 0
	`).Scan(&count, &oldestMillis)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query pending stats: %w", err)
	}
	if oldestMillis.Valid {
		t := time.UnixMilli(oldestMillis.Int64)
		oldest = &t
	}
	return count, oldest, nil
}

// MarkFlushed marks the given readings as delivered. It is idempotent:
// already-flushed or unknown ids are no-ops, not errors.
func (s *Store) MarkFlushed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mark-flushed tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE sensor_readings SET flushed = 1 WHERE id = ? AND flushed = 0`)
	if err != nil {
		return fmt.Errorf("failed to prepare mark-flushed: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to mark reading %d flushed: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark-flushed: %w", err)
	}
	return nil
}

// Purge deletes readings captured before the given time. Irreversible.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	return s.purgeWhere(ctx, `ts < ?`, before.UnixMilli())
}

// PurgeFlushed deletes all readings already acknowledged as delivered.
func (s *Store) PurgeFlushed(ctx context.Context) (int64, error) {
	return s.purgeWhere(ctx, `flushed = 1`)
}

// PurgeSubjectKindBefore applies one retention window: it deletes readings of
// one sensor kind in one subject partition captured before the cutoff.
func (s *Store) PurgeSubjectKindBefore(ctx context.Context, subjectID, kind string, before time.Time) (int64, error) {
	return s.purgeWhere(ctx, `subject_id = ? AND sensor_type = ? AND ts < ?`, subjectID, kind, before.UnixMilli())
}

func (s *Store) purgeWhere(ctx context.Context, where string, args ...any) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sensor_readings WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged readings: %w", err)
	}
	// Drop subject index entries whose partitions became empty.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM buffer_subjects
		WHERE subject_id NOT IN (SELECT DISTINCT subject_id FROM sensor_readings)
	`)
	if err != nil {
		return n, fmt.Errorf("failed to prune subject index: %w", err)
	}
	return n, nil
}

// EvictOldest trims a subject partition down to max readings, deleting the
// oldest rows first. Returns the number of evicted readings.
func (s *Store) EvictOldest(ctx context.Context, subjectID string, max int) (int64, error) {
	if max < 0 {
		max = 0
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sensor_readings
		WHERE subject_id = ?
		  AND id NOT IN (
			SELECT id FROM sensor_readings WHERE subject_id = ?
			ORDER BY ts DESC, id DESC LIMIT ?
		  )
	`, subjectID, subjectID, max)
	if err != nil {
		return 0, fmt.Errorf("failed to evict oldest readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count evicted readings: %w", err)
	}
	return n, nil
}

// SubjectReadings returns decrypt-pending readings for one subject, most
// recent first, optionally filtered by sensor kind and capped.
func (s *Store) SubjectReadings(ctx context.Context, subjectID, kind string, limit int) ([]Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM sensor_readings WHERE subject_id = ?`
	args := []any{subjectID}
	if kind != "" {
		query += ` AND sensor_type = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY ts DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subject readings: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SubjectCount returns the number of readings in one subject partition.
func (s *Store) SubjectCount(ctx context.Context, subjectID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_readings WHERE subject_id = ?`, subjectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count subject readings: %w", err)
	}
	return n, nil
}

// SubjectKinds returns the distinct sensor kinds present in one partition.
func (s *Store) SubjectKinds(ctx context.Context, subjectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT sensor_type FROM sensor_readings WHERE subject_id = ?
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subject kinds: %w", err)
	}
	defer rows.Close()

	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan sensor kind: %w", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, rows.Err()
}

// Stats returns a read-only aggregate over the whole store. An empty store
// yields zero counts and nil timestamps.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	var st StoreStats
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN flushed = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN flushed = 1 THEN 1 ELSE 0 END), 0),
		       MIN(ts), MAX(ts)
		FROM sensor_readings
	`).Scan(&st.Total, &st.Pending, &st.Flushed, &oldest, &newest)
	if err != nil {
		return StoreStats{}, fmt.Errorf("failed to query store stats: %w", err)
	}
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64)
		st.Oldest = &t
	}
	if newest.Valid {
		t := time.UnixMilli(newest.Int64)
		st.Newest = &t
	}
	return st, nil
}

// Subjects returns the active subject partitions from the explicit index.
// Key rotation and retention sweeps iterate this instead of the reading table.
func (s *Store) Subjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject_id FROM buffer_subjects ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subject index: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subject id: %w", err)
		}
		subjects = append(subjects, id)
	}
	return subjects, rows.Err()
}

// CipherRows returns the encrypted rows of one subject partition for
// re-encryption during key rotation.
func (s *Store) CipherRows(ctx context.Context, subjectID string) ([]fieldcrypt.CipherRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, value, quality FROM sensor_readings
		WHERE subject_id = ? AND encrypted = 1
		ORDER BY id ASC
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cipher rows: %w", err)
	}
	defer rows.Close()

	var out []fieldcrypt.CipherRow
	for rows.Next() {
		var cr fieldcrypt.CipherRow
		if err := rows.Scan(&cr.ID, &cr.ValueCipher, &cr.QualityCipher); err != nil {
			return nil, fmt.Errorf("failed to scan cipher row: %w", err)
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// RewriteCipherRows replaces the ciphertext of the given rows in a single
// transaction. Used by key rotation after re-encrypting a partition.
func (s *Store) RewriteCipherRows(ctx context.Context, rows []fieldcrypt.CipherRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rewrite tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE sensor_readings SET value = ?, quality = ? WHERE id = ? AND encrypted = 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cipher rewrite: %w", err)
	}
	defer stmt.Close()

	for _, cr := range rows {
		if _, err := stmt.ExecContext(ctx, cr.ValueCipher, cr.QualityCipher, cr.ID); err != nil {
			return fmt.Errorf("failed to rewrite cipher row %d: %w", cr.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cipher rewrite: %w", err)
	}
	return nil
}

// CountPlain returns the number of legacy plaintext rows still awaiting
// migration to the encrypted format.
func (s *Store) CountPlain(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_readings WHERE encrypted = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count plaintext rows: %w", err)
	}
	return n, nil
}

// PlainRows pages through legacy plaintext rows with id > afterID, oldest
// first, so migration can cursor past rows that keep failing.
func (s *Store) PlainRows(ctx context.Context, afterID int64, limit int) ([]fieldcrypt.PlainRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, value, quality FROM sensor_readings
		WHERE encrypted = 0 AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query plaintext rows: %w", err)
	}
	defer rows.Close()

	var out []fieldcrypt.PlainRow
	for rows.Next() {
		var pr fieldcrypt.PlainRow
		if err := rows.Scan(&pr.ID, &pr.Value, &pr.Quality); err != nil {
			return nil, fmt.Errorf("failed to scan plaintext row: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// MarkEncrypted installs ciphertext on a legacy plaintext row and flips its
// encrypted flag. A row already migrated is left untouched, which makes
// migration idempotent.
func (s *Store) MarkEncrypted(ctx context.Context, id int64, valueCipher, qualityCipher string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sensor_readings SET value = ?, quality = ?, encrypted = 1
		WHERE id = ? AND encrypted = 0
	`, valueCipher, qualityCipher, id)
	if err != nil {
		return fmt.Errorf("failed to mark row %d encrypted: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
