// Package keyring implements the key hierarchy: a wallet signature derives
// the session key, the session key unwraps the device storage key (DSK),
// and the DSK unwraps the identity keypair. The manager is the only owner
// of key material; everything else receives a *Session handle and loses
// access when Lock drops it.
package keyring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
	"github.com/chainmail-im/chainmail/internal/vault"
)

const (
	sessionKeyLabel = "chainmail/session-key/v1"

	dskRowID    = "dsk"
	dskAADLabel = "chainmail/dsk/v1"

	identityRowID    = "identity"
	identityAADLabel = "chainmail/identity/v1"
)

// ErrWrongAccount is returned when the stored DSK cannot be unwrapped by
// the session key derived from the presented signature. Wrong account and
// corrupted vault are indistinguishable here by design.
var ErrWrongAccount = errors.New("wrong account or corrupted vault")

// ErrLocked is returned when an operation requires an unlocked session.
var ErrLocked = errors.New("vault is locked")

// State is the manager's lifecycle state.
type State string

const (
	StateLocked    State = "locked"
	StateUnlocking State = "unlocking"
	StateUnlocked  State = "unlocked"
	StateError     State = "error"
)

// Session is the handle to an unlocked key hierarchy. It is created by
// Unlock and invalidated by Lock; holders must not copy key material out
// of it.
type Session struct {
	address     string
	fingerprint string
	sessionKey  []byte
	dsk         []byte
	active      bool
	mu          sync.Mutex
}

// Address returns the checksummed wallet address this session belongs to.
func (s *Session) Address() string { return s.address }

// Fingerprint returns the non-secret 8-byte hex fingerprint of the session
// key material, for diagnostics.
func (s *Session) Fingerprint() string { return s.fingerprint }

// StorageKey returns the DSK for vault row encryption, or ErrLocked once
// the session has been torn down.
func (s *Session) StorageKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil, ErrLocked
	}
	return s.dsk, nil
}

func (s *Session) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	crypto.Zero(s.sessionKey)
	crypto.Zero(s.dsk)
	s.sessionKey = nil
	s.dsk = nil
}

// IdentityKeyPair is the vault's X25519 identity. The private key exists
// in plaintext only inside an unwrapped session.
type IdentityKeyPair struct {
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
	CreatedAt  int64  `json:"created_at"`
}

// Manager owns the session lifecycle.
type Manager struct {
	vault   *vault.Vault
	state   State
	session *Session
	mu      sync.Mutex
}

// NewManager creates a locked manager over the given vault.
func NewManager(v *vault.Vault) *Manager {
	return &Manager{vault: v, state: StateLocked}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current session handle, or nil when locked.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateUnlocked {
		return nil
	}
	return m.session
}

// BuildChallenge returns the deterministic payload the wallet signs to
// unlock the vault. Pure function of the address; no side effects.
func BuildChallenge(address string) (string, error) {
	if err := crypto.ValidateAddress("address", address); err != nil {
		return "", err
	}
	return strings.Join([]string{
		"chainmail wants you to sign in to unlock your vault.",
		"app: chainmail",
		"address: " + crypto.NormalizeAddress(address),
		"version: 1",
	}, "\n"), nil
}

// Unlock derives the session key from the wallet signature, unwraps or
// creates the DSK, and transitions to Unlocked. Re-entrant: unlocking an
// already-unlocked manager replaces the session, e.g. after key rotation
// elsewhere.
func (m *Manager) Unlock(ctx context.Context, signature, address string) (*Session, error) {
	// Shape validation happens before any state transition or storage
	// access; a malformed address must not trigger a DSK read.
	if err := crypto.ValidateAddress("address", address); err != nil {
		return nil, err
	}
	if err := crypto.ValidateSignature("signature", signature); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateUnlocking

	sigBytes, err := hex.DecodeString(signature[2:])
	if err != nil {
		// Unreachable after shape validation, kept as a hard stop.
		m.state = StateError
		return nil, errs.Validation("signature", "must be valid hex")
	}

	h := sha256.New()
	h.Write([]byte(sessionKeyLabel))
	h.Write(sigBytes)
	sessionKey := h.Sum(nil)
	crypto.Zero(sigBytes)

	fingerprint := crypto.Fingerprint(sessionKey)

	dsk, err := m.loadOrCreateDSK(ctx, sessionKey)
	if err != nil {
		m.state = StateError
		crypto.Zero(sessionKey)
		if errors.Is(err, errs.ErrIntegrity) {
			log.Warn().Str("fingerprint", fingerprint).Msg("DSK unwrap failed")
			return nil, ErrWrongAccount
		}
		return nil, err
	}

	checksummed, err := crypto.ChecksumAddress(address)
	if err != nil {
		m.state = StateError
		crypto.Zero(sessionKey)
		crypto.Zero(dsk)
		return nil, err
	}

	if m.session != nil {
		m.session.invalidate()
	}
	m.session = &Session{
		address:     checksummed,
		fingerprint: fingerprint,
		sessionKey:  sessionKey,
		dsk:         dsk,
		active:      true,
	}
	m.state = StateUnlocked

	log.Info().Str("fingerprint", fingerprint).Msg("Vault unlocked")
	return m.session, nil
}

// loadOrCreateDSK fetches the wrapped DSK, or creates and persists one on
// first unlock. Caller holds the manager lock.
func (m *Manager) loadOrCreateDSK(ctx context.Context, sessionKey []byte) ([]byte, error) {
	dsk, err := m.vault.Get(ctx, vault.StoreKeys, dskRowID, sessionKey, []byte(dskAADLabel))
	if err != nil {
		return nil, err
	}
	if dsk != nil {
		return dsk, nil
	}

	dsk, err = crypto.NewKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate DSK: %w", err)
	}
	if err := m.vault.Put(ctx, vault.StoreKeys, dskRowID, sessionKey, dsk, []byte(dskAADLabel)); err != nil {
		return nil, fmt.Errorf("failed to persist DSK: %w", err)
	}
	log.Info().Msg("Created new device storage key")
	return dsk, nil
}

// Lock drops all in-memory key references and transitions to Locked.
// Callable at any time, idempotent.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		m.session.invalidate()
		m.session = nil
	}
	if m.state != StateLocked {
		log.Info().Msg("Vault locked")
	}
	m.state = StateLocked
}

// Identity returns the vault's identity keypair, creating it lazily on
// first use. Requires an unlocked session.
func (m *Manager) Identity(ctx context.Context) (*IdentityKeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUnlocked || m.session == nil {
		return nil, ErrLocked
	}
	dsk := m.session.dsk

	blob, err := m.vault.Get(ctx, vault.StoreKeys, identityRowID, dsk, []byte(identityAADLabel))
	if err != nil {
		return nil, err
	}
	if blob != nil {
		var kp IdentityKeyPair
		if err := json.Unmarshal(blob, &kp); err != nil {
			return nil, fmt.Errorf("failed to parse identity blob: %w", err)
		}
		return &kp, nil
	}

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity keypair: %w", err)
	}
	kp := &IdentityKeyPair{
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  time.Now().Unix(),
	}
	blob, err = json.Marshal(kp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := m.vault.Put(ctx, vault.StoreKeys, identityRowID, dsk, blob, []byte(identityAADLabel)); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}

	log.Info().Str("public_key", crypto.Fingerprint(pub)).Msg("Created identity keypair")
	return kp, nil
}
