// Package crypto provides the primitives the chainmail core is built on:
// random byte generation, SHA-256 content ids, HKDF-SHA256, AES-256-GCM,
// X25519 key agreement, and wallet address handling.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// KeySize is the size of every symmetric key in the hierarchy.
	KeySize = 32

	// IVSize is the AES-GCM nonce size used for all stored ciphertexts.
	IVSize = 12

	// NonceSize is the size of the random per-message nonce carried in
	// envelopes and bound into the message id.
	NonceSize = 16
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// NewKey generates a fresh 32-byte symmetric key.
func NewKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

// NewIV generates a fresh 12-byte AES-GCM IV.
func NewIV() ([]byte, error) {
	return RandomBytes(IVSize)
}

// NewNonce generates a fresh 16-byte message nonce.
func NewNonce() ([]byte, error) {
	return RandomBytes(NonceSize)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of the concatenation
// of the given byte slices.
func SHA256Hex(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns a short non-secret fingerprint of key material,
// suitable for diagnostics and logs. It is the first 8 bytes of
// SHA-256(key), hex-encoded, and reveals nothing usable about the key.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// Zero overwrites b with zeros. Dropping references is the primary
// teardown mechanism; zeroing limits how long copies linger in heaps.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
