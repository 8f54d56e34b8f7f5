package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Canonicalize normalizes an identifier before fingerprinting so that
// "  Jane@Example.COM " and "jane@example.com" map to the same digest.
func Canonicalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Fingerprint returns the lowercase hex SHA-256 of the canonicalized
// input. Unlike Encrypt it is deterministic, which is what lets the
// database enforce uniqueness and serve exact-match lookups over
// values that are otherwise stored encrypted.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(Canonicalize(s)))
	return hex.EncodeToString(sum[:])
}
