package crypto

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GenerateX25519 generates an X25519 keypair for ECDH.
func GenerateX25519() (privateKey, publicKey []byte, err error) {
	privateKey, err = RandomBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}
	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return privateKey, publicKey, nil
}

// SharedSecret computes the X25519 shared secret between a private key and
// a peer public key. curve25519 rejects the all-zero output internally, so
// low-order peer keys fail instead of producing a predictable secret.
func SharedSecret(privateKey, publicKey []byte) ([]byte, error) {
	secret, err := curve25519.X25519(privateKey, publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	return secret, nil
}
