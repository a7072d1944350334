// Package convo derives per-conversation symmetric keys. Both parties
// independently compute the same key and conversation id for the same
// (address pair, epoch) with no handshake beyond knowing each other's
// public key; bumping the epoch rotates both deterministically.
package convo

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
)

// derivationSalt is the fixed domain-separation salt for conversation key
// derivation. Changing it is a protocol break.
var derivationSalt = []byte("chainmail/conversation-salt/v1")

// KeySpec is a derived conversation key and its stable identifier.
type KeySpec struct {
	Key []byte
	ID  string
}

// Derive computes the conversation key for (myPrivateKey, peerPublicKey)
// and the two addresses at the given epoch:
//
//  1. ECDH shared secret from the keypair halves.
//  2. HKDF info built from the lexicographically sorted lowercased
//     addresses plus the epoch, so both parties build the same string.
//  3. HKDF-SHA256 expand to 32 bytes; the first 16 bytes of that same
//     material, hex-encoded, are the conversation id.
//
// All inputs are validated; nothing is silently coerced.
func Derive(myPrivateKey, peerPublicKey []byte, myAddress, peerAddress string, epoch int) (*KeySpec, error) {
	if err := validateKey("myPrivateKey", myPrivateKey); err != nil {
		return nil, err
	}
	if err := validateKey("peerPublicKey", peerPublicKey); err != nil {
		return nil, err
	}
	if err := crypto.ValidateAddress("myAddress", myAddress); err != nil {
		return nil, err
	}
	if err := crypto.ValidateAddress("peerAddress", peerAddress); err != nil {
		return nil, err
	}
	if epoch < 0 {
		return nil, errs.Validation("epoch", "must be a non-negative integer")
	}

	shared, err := crypto.SharedSecret(myPrivateKey, peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	info := derivationInfo(myAddress, peerAddress, epoch)
	okm, err := crypto.HKDF(shared, derivationSalt, []byte(info), crypto.KeySize)
	crypto.Zero(shared)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	return &KeySpec{
		Key: okm,
		ID:  hex.EncodeToString(okm[:16]),
	}, nil
}

func derivationInfo(a, b string, epoch int) string {
	pair := []string{crypto.NormalizeAddress(a), crypto.NormalizeAddress(b)}
	sort.Strings(pair)
	return "chainmail/conversation/v1:" + strings.Join(pair, "|") + ":" + fmt.Sprintf("%d", epoch)
}

func validateKey(field string, key []byte) error {
	if len(key) != 32 {
		return errs.Validation(field, "must be exactly 32 bytes")
	}
	zero := true
	for _, b := range key {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return errs.Validation(field, "must not be all zero")
	}
	return nil
}

// Cache memoizes derived keys per ordered (myAddress, peerAddress, epoch)
// triple. It is memory-only and must be cleared on lock; conversation
// keys are never persisted.
type Cache struct {
	entries map[string]*KeySpec
	mu      sync.Mutex
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*KeySpec)}
}

// Derive returns the cached key for the triple, deriving and caching it
// on first use. The caller gets its own copy of the key material: Clear
// zeroes only the cache's copy, so a key already handed to an in-flight
// operation stays usable until that operation finishes.
func (c *Cache) Derive(myPrivateKey, peerPublicKey []byte, myAddress, peerAddress string, epoch int) (*KeySpec, error) {
	cacheKey := fmt.Sprintf("%s|%s|%d",
		crypto.NormalizeAddress(myAddress), crypto.NormalizeAddress(peerAddress), epoch)

	c.mu.Lock()
	defer c.mu.Unlock()

	if spec, ok := c.entries[cacheKey]; ok {
		return copySpec(spec), nil
	}
	spec, err := Derive(myPrivateKey, peerPublicKey, myAddress, peerAddress, epoch)
	if err != nil {
		return nil, err
	}
	c.entries[cacheKey] = spec
	return copySpec(spec), nil
}

func copySpec(spec *KeySpec) *KeySpec {
	key := make([]byte, len(spec.Key))
	copy(key, spec.Key)
	return &KeySpec{Key: key, ID: spec.ID}
}

// Clear drops every cached key, zeroing the material.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, spec := range c.entries {
		crypto.Zero(spec.Key)
		delete(c.entries, k)
	}
}
