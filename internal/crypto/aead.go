package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/chainmail-im/chainmail/internal/errs"
)

// Seal encrypts plaintext with AES-256-GCM under key, binding aad into the
// authentication tag. A fresh random IV is generated for every call and
// returned alongside the ciphertext; IV reuse under the same key is never
// possible through this interface.
func Seal(key, plaintext, aad []byte) (iv, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	iv, err = NewIV()
	if err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, iv, plaintext, aad)
	return iv, ciphertext, nil
}

// Open decrypts an AES-256-GCM ciphertext. Authentication failure is
// surfaced as errs.ErrIntegrity without distinguishing a wrong key from
// tampering; GCM does not reveal which.
func Open(key, iv, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, errs.ErrIntegrity
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, errs.ErrIntegrity
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("AEAD key must be %d bytes", KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
