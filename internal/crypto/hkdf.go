package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF derives length bytes from secret using HKDF-SHA256 with the given
// salt and info string. The info string is the domain-separation boundary:
// two derivations with different info never produce related output.
func HKDF(secret, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive key material: %w", err)
	}
	return out, nil
}
