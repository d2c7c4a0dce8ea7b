// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"
)

// Key is one symmetric encryption key record. It serializes to the named
// credential entry format {key_id, key_material, created_at, expires_at,
// active, version}.
type Key struct {
	KeyID     string     `json:"key_id"`
	Material  []byte     `json:"key_material"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
	Version   int        `json:"version"`
}

// Expired reports whether the key has an expiry in the past.
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

func (k *Key) clone() *Key {
	c := *k
	c.Material = append([]byte(nil), k.Material...)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// newKey generates a fresh 256-bit key with the given version.
func newKey(version int, ttl time.Duration) (*Key, error) {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	k := &Key{
		KeyID:     uuid.New().String(),
		Material:  material,
		CreatedAt: time.Now(),
		Version:   version,
	}
	if ttl > 0 {
		exp := k.CreatedAt.Add(ttl)
		k.ExpiresAt = &exp
	}
	return k, nil
}

// ErrKeyNotFound is returned by a keystore when no credential entry exists
// under the requested name.
var ErrKeyNotFound = errors.New("fieldcrypt: key not found")

// Keystore is the secure platform storage for key records, one named
// credential entry per key slot ("active", "pending").
type Keystore interface {
	Load(name string) (*Key, error)
	Store(name string, key *Key) error
	Delete(name string) error
	List() ([]string, error)
}

// MemoryKeystore is an in-process keystore for tests and ephemeral setups.
type MemoryKeystore struct {
	mu   sync.Mutex
	keys map[string]*Key
}

func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{keys: make(map[string]*Key)}
}

func (m *MemoryKeystore) Load(name string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[name]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return k.clone(), nil
}

func (m *MemoryKeystore) Store(name string, key *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[name] = key.clone()
	return nil
}

func (m *MemoryKeystore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, name)
	return nil
}

func (m *MemoryKeystore) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.keys))
	for n := range m.keys {
		names = append(names, n)
	}
	return names, nil
}

// FileKeystore persists key records as 0600 files under a directory, with
// the key material wrapped under an AES-GCM key derived from a device secret
// via scrypt. This stands in for platform credential storage on targets that
// have a filesystem but no system keychain.
type FileKeystore struct {
	dir    string
	secret []byte
	mu     sync.Mutex
}

const credExt = ".cred"

// scrypt cost parameters; interactive-grade since the secret is device-local.
const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// NewFileKeystore creates the directory if needed. The device secret must be
// non-empty; losing it makes every wrapped key unrecoverable.
func NewFileKeystore(dir string, deviceSecret []byte) (*FileKeystore, error) {
	if len(deviceSecret) == 0 {
		return nil, fmt.Errorf("fieldcrypt: device secret must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keystore dir: %w", err)
	}
	return &FileKeystore{dir: dir, secret: append([]byte(nil), deviceSecret...)}, nil
}

type credentialFile struct {
	Salt    []byte `json:"salt"`
	Wrapped []byte `json:"wrapped"` // nonce || ciphertext of the key record JSON
}

func (f *FileKeystore) path(name string) string {
	return filepath.Join(f.dir, name+credExt)
}

func (f *FileKeystore) wrapKey(salt []byte) ([]byte, error) {
	wk, err := scrypt.Key(f.secret, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	return wk, nil
}

func (f *FileKeystore) Load(name string) (*Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential %s: %w", name, err)
	}
	var cf credentialFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse credential %s: %w", name, err)
	}
	wk, err := f.wrapKey(cf.Salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(wk)
	if err != nil {
		return nil, fmt.Errorf("failed to build wrap cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build wrap GCM: %w", err)
	}
	if len(cf.Wrapped) < gcm.NonceSize() {
		return nil, fmt.Errorf("fieldcrypt: credential %s is truncated", name)
	}
	nonce, ct := cf.Wrapped[:gcm.NonceSize()], cf.Wrapped[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap credential %s: %w", name, err)
	}
	var k Key
	if err := json.Unmarshal(plain, &k); err != nil {
		return nil, fmt.Errorf("failed to parse key record %s: %w", name, err)
	}
	return &k, nil
}

func (f *FileKeystore) Store(name string, key *Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	plain, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to serialize key record: %w", err)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	wk, err := f.wrapKey(salt)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(wk)
	if err != nil {
		return fmt.Errorf("failed to build wrap cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to build wrap GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate wrap nonce: %w", err)
	}
	cf := credentialFile{
		Salt:    salt,
		Wrapped: gcm.Seal(nonce, nonce, plain, nil),
	}
	raw, err := json.Marshal(&cf)
	if err != nil {
		return fmt.Errorf("failed to serialize credential: %w", err)
	}

	// Write-then-rename so a crash never leaves a half-written credential.
	tmp := f.path(name) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write credential %s: %w", name, err)
	}
	if err := os.Rename(tmp, f.path(name)); err != nil {
		return fmt.Errorf("failed to install credential %s: %w", name, err)
	}
	return nil
}

func (f *FileKeystore) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete credential %s: %w", name, err)
	}
	return nil
}

func (f *FileKeystore) List() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list keystore dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), credExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), credExt))
	}
	return names, nil
}
