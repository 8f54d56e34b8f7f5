// Package crypto provides field-level encryption and deterministic
// fingerprinting for patient identifiers. Encrypted values travel as
// "nonce:ciphertext" in lowercase hex so they can live in plain text
// columns; fingerprints are SHA-256 digests of canonicalized input and
// back the unique indexes used for duplicate detection.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrMalformedCiphertext means the stored value is not in the
	// nonce:ciphertext hex form and was never produced by this cipher.
	ErrMalformedCiphertext = errors.New("field cipher: malformed ciphertext")

	// ErrDecryptionFailed means the value is well formed but failed
	// authentication, typically because it was encrypted under a
	// different key or tampered with at rest.
	ErrDecryptionFailed = errors.New("field cipher: decryption failed")
)

// FieldCipher encrypts and decrypts individual record fields with
// AES-256-GCM. A fresh random nonce is drawn per encryption, so equal
// plaintexts never produce equal ciphertexts.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher creates a FieldCipher from a 32-byte AES-256 key.
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("field cipher: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create GCM: %w", err)
	}

	return &FieldCipher{aead: aead}, nil
}

// Encrypt seals the plaintext and returns "nonce:ciphertext" in hex.
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("field cipher: generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails closed: any structural problem
// returns ErrMalformedCiphertext and any authentication problem returns
// ErrDecryptionFailed. Callers must never fall back to treating the
// stored value as plaintext.
func (c *FieldCipher) Decrypt(value string) (string, error) {
	noncePart, cipherPart, ok := strings.Cut(value, ":")
	if !ok {
		return "", ErrMalformedCiphertext
	}

	nonce, err := hex.DecodeString(noncePart)
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", ErrMalformedCiphertext
	}

	sealed, err := hex.DecodeString(cipherPart)
	if err != nil {
		return "", ErrMalformedCiphertext
	}

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
