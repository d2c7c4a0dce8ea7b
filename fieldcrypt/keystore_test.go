package fieldcrypt

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileKeystoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFileKeystore(dir, []byte("device-secret"))
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	key := &Key{
		KeyID:     "k-1",
		Material:  []byte("0123456789abcdef0123456789abcdef"),
		CreatedAt: time.Now().Truncate(time.Second),
		ExpiresAt: &exp,
		Active:    true,
		Version:   3,
	}
	require.NoError(t, ks.Store("active", key))

	loaded, err := ks.Load("active")
	require.NoError(t, err)
	require.Equal(t, key.KeyID, loaded.KeyID)
	require.Equal(t, key.Material, loaded.Material)
	require.Equal(t, key.Version, loaded.Version)
	require.True(t, loaded.Active)
	require.NotNil(t, loaded.ExpiresAt)

	names, err := ks.List()
	require.NoError(t, err)
	require.Equal(t, []string{"active"}, names)

	require.NoError(t, ks.Delete("active"))
	_, err = ks.Load("active")
	require.ErrorIs(t, err, ErrKeyNotFound)
	// Deleting a missing entry is not an error.
	require.NoError(t, ks.Delete("active"))
}

func TestFileKeystoreWrongSecretFails(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFileKeystore(dir, []byte("right-secret"))
	require.NoError(t, err)

	key := &Key{KeyID: "k-1", Material: make([]byte, 32), Version: 1}
	require.NoError(t, ks.Store("active", key))

	other, err := NewFileKeystore(dir, []byte("wrong-secret"))
	require.NoError(t, err)
	_, err = other.Load("active")
	require.Error(t, err, "material must not unwrap under a different device secret")
}

func TestFileKeystoreMaterialNotPlaintextOnDisk(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFileKeystore(dir, []byte("device-secret"))
	require.NoError(t, err)

	material := []byte("0123456789abcdef0123456789abcdef")
	require.NoError(t, ks.Store("active", &Key{KeyID: "k-1", Material: material, Version: 1}))

	raw, err := os.ReadFile(filepath.Join(dir, "active.cred"))
	require.NoError(t, err)
	require.NotContains(t, string(raw), string(material))
	require.NotContains(t, string(raw), "k-1")

	info, err := os.Stat(filepath.Join(dir, "active.cred"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileKeystoreRequiresSecret(t *testing.T) {
	_, err := NewFileKeystore(t.TempDir(), nil)
	require.Error(t, err)
}
