// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

// Package fieldcrypt provides field-level encryption for sensitive sensor
// values at rest, together with the lifecycle of the symmetric keys that
// protect them: generation, secure storage, expiry, rotation, and migration
// of legacy plaintext rows.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// cipherPrefix marks an encrypted field. The full wire format is
// "enc:v<version>:<base64(nonce || ciphertext)>" so every ciphertext names
// the key version that produced it, which is what makes rotation resumable.
const cipherPrefix = "enc:"

// ErrNotCiphertext is returned when a field does not carry the cipher prefix.
var ErrNotCiphertext = errors.New("fieldcrypt: field is not ciphertext")

// IsCiphertext reports whether a stored field value is in the encrypted
// wire format.
func IsCiphertext(s string) bool {
	return strings.HasPrefix(s, cipherPrefix)
}

func sealField(key []byte, version int, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to build AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to build GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%sv%d:%s", cipherPrefix, version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// parseCiphertext splits the wire format into key version and raw sealed
// bytes (nonce || ciphertext).
func parseCiphertext(s string) (version int, sealed []byte, err error) {
	if !strings.HasPrefix(s, cipherPrefix) {
		return 0, nil, ErrNotCiphertext
	}
	rest := strings.TrimPrefix(s, cipherPrefix)
	vEnd := strings.IndexByte(rest, ':')
	if vEnd < 2 || rest[0] != 'v' {
		return 0, nil, fmt.Errorf("fieldcrypt: malformed ciphertext header")
	}
	version, err = strconv.Atoi(rest[1:vEnd])
	if err != nil {
		return 0, nil, fmt.Errorf("fieldcrypt: malformed key version: %w", err)
	}
	sealed, err = base64.StdEncoding.DecodeString(rest[vEnd+1:])
	if err != nil {
		return 0, nil, fmt.Errorf("fieldcrypt: malformed ciphertext body: %w", err)
	}
	return version, sealed, nil
}

func openField(key []byte, sealed []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to build AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to build GCM: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("fieldcrypt: ciphertext shorter than nonce")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt field: %w", err)
	}
	return string(plaintext), nil
}
