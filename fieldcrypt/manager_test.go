package fieldcrypt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnsureKeyGeneratesAndPersists(t *testing.T) {
	ks := NewMemoryKeystore()
	m := NewManager(ks, 0, nil)
	require.NoError(t, m.EnsureKey(context.Background()))

	keyID, version, ok := m.ActiveKeyInfo()
	require.True(t, ok)
	require.NotEmpty(t, keyID)
	require.Equal(t, 1, version)

	// A second manager over the same keystore loads the same key, not a new one.
	m2 := NewManager(ks, 0, nil)
	require.NoError(t, m2.EnsureKey(context.Background()))
	keyID2, version2, ok := m2.ActiveKeyInfo()
	require.True(t, ok)
	require.Equal(t, keyID, keyID2)
	require.Equal(t, version, version2)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := NewManager(NewMemoryKeystore(), 0, nil)
	require.NoError(t, m.EnsureKey(context.Background()))

	for _, plaintext := range []string{"72.5", "90", "", "-0.0001", "3.141592653589793"} {
		sealed, err := m.EncryptField(plaintext)
		require.NoError(t, err)
		require.True(t, IsCiphertext(sealed))
		require.NotContains(t, sealed, plaintext+"\x00") // sanity: opaque

		got, err := m.DecryptField(sealed)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestEncryptWithoutKeyFails(t *testing.T) {
	m := NewManager(NewMemoryKeystore(), 0, nil)
	_, err := m.EncryptField("72")
	require.ErrorIs(t, err, ErrNoActiveKey)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	m := NewManager(NewMemoryKeystore(), 0, nil)
	require.NoError(t, m.EnsureKey(context.Background()))

	_, err := m.DecryptField("72.5")
	require.ErrorIs(t, err, ErrNotCiphertext)

	_, err = m.DecryptField("enc:v9:AAAA")
	require.Error(t, err, "unknown key version")

	_, err = m.DecryptField("enc:v1:!!!!")
	require.Error(t, err)
}

func TestCiphertextUniquePerCall(t *testing.T) {
	m := NewManager(NewMemoryKeystore(), 0, nil)
	require.NoError(t, m.EnsureKey(context.Background()))

	a, err := m.EncryptField("72")
	require.NoError(t, err)
	b, err := m.EncryptField("72")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "fresh nonce per field")
}

func TestRotationDue(t *testing.T) {
	ks := NewMemoryKeystore()
	m := NewManager(ks, 0, nil)
	require.NoError(t, m.EnsureKey(context.Background()))
	require.False(t, m.RotationDue(0))
	require.False(t, m.RotationDue(time.Hour))

	// Backdate the stored key and reload.
	k, err := ks.Load(slotActive)
	require.NoError(t, err)
	k.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, ks.Store(slotActive, k))

	m2 := NewManager(ks, 0, nil)
	require.NoError(t, m2.EnsureKey(context.Background()))
	require.True(t, m2.RotationDue(24*time.Hour))
	require.False(t, m2.RotationDue(0))
}
