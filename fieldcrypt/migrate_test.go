package fieldcrypt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigratePlaintextEncryptsLegacyRows(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryKeystore(), 0, nil)
	require.NoError(t, m.EnsureKey(ctx))

	rw := newFakeRewriter()
	rw.plain[1] = PlainRow{ID: 1, Value: "72.5", Quality: "90"}
	rw.plain[2] = PlainRow{ID: 2, Value: "75", Quality: "85"}

	st, err := m.MigratePlaintext(ctx, rw)
	require.NoError(t, err)
	require.False(t, st.InProgress)
	require.NotNil(t, st.CompletedAt)
	require.Equal(t, int64(2), st.TotalRecords)
	require.Equal(t, int64(2), st.MigratedRecords)
	require.Empty(t, st.Errors)

	n, err := rw.CountPlain(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// The migrated rows are real ciphertext that round-trips.
	rows, err := rw.CipherRows(ctx, "migrated")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.True(t, IsCiphertext(row.ValueCipher))
		_, err := m.DecryptField(row.ValueCipher)
		require.NoError(t, err)
	}
}

func TestMigratePlaintextIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryKeystore(), 0, nil)
	require.NoError(t, m.EnsureKey(ctx))

	rw := newFakeRewriter()
	rw.plain[1] = PlainRow{ID: 1, Value: "72.5", Quality: "90"}

	first, err := m.MigratePlaintext(ctx, rw)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.MigratedRecords)

	// Everything is already encrypted; the second run migrates nothing.
	second, err := m.MigratePlaintext(ctx, rw)
	require.NoError(t, err)
	require.Zero(t, second.MigratedRecords)
	require.Zero(t, second.TotalRecords)
}

func TestMigratePlaintextResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryKeystore(), 0, nil)
	require.NoError(t, m.EnsureKey(ctx))

	rw := newFakeRewriter()
	rw.plain[5] = PlainRow{ID: 5, Value: "70", Quality: "90"}

	// A previous run migrated 3 rows before being interrupted.
	require.NoError(t, rw.SaveMigrationStatus(ctx, &MigrationStatus{
		InProgress:      true,
		TotalRecords:    4,
		MigratedRecords: 3,
	}))

	st, err := m.MigratePlaintext(ctx, rw)
	require.NoError(t, err)
	require.False(t, st.InProgress)
	// Running totals carry across the interruption.
	require.Equal(t, int64(4), st.MigratedRecords)
	require.Equal(t, int64(4), st.TotalRecords)
}

func TestMigratePlaintextCollectsPerRowErrors(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryKeystore(), 0, nil)
	require.NoError(t, m.EnsureKey(ctx))

	rw := newFakeRewriter()
	rw.plain[1] = PlainRow{ID: 1, Value: "72.5", Quality: "90"}
	failing := &failingMarkRewriter{fakeRewriter: rw, failID: 1}
	rw.plain[2] = PlainRow{ID: 2, Value: "75", Quality: "85"}

	st, err := m.MigratePlaintext(ctx, failing)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.MigratedRecords)
	require.Len(t, st.Errors, 1)
	require.Contains(t, st.Errors[0], "row 1")
}

// failingMarkRewriter injects a persistent failure for one row id.
type failingMarkRewriter struct {
	*fakeRewriter
	failID int64
}

func (f *failingMarkRewriter) MarkEncrypted(ctx context.Context, id int64, v, q string) error {
	if id == f.failID {
		return errors.New("disk error")
	}
	return f.fakeRewriter.MarkEncrypted(ctx, id, v, q)
}
