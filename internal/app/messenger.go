// Package app wires the key hierarchy, vault, conversation derivation,
// message repository, and transport into the messenger facade the
// outer layers call.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chainmail-im/chainmail/internal/backup"
	"github.com/chainmail-im/chainmail/internal/contact"
	"github.com/chainmail-im/chainmail/internal/convo"
	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
	"github.com/chainmail-im/chainmail/internal/keyring"
	"github.com/chainmail-im/chainmail/internal/message"
	"github.com/chainmail-im/chainmail/internal/transport"
	"github.com/chainmail-im/chainmail/internal/vault"
)

const conversationAADLabel = "chainmail/conversation-record/v1"

// ErrPeerKeyUnknown is returned when neither the contact book nor the
// transport's directory can produce the peer's public key.
var ErrPeerKeyUnknown = errors.New("peer public key is not known")

// Conversation is the index record written on first contact with a peer
// at a given epoch, so conversations can be enumerated without deriving
// keys. The record is encrypted; its row id is derived from the peer
// address and epoch, never from key material.
type Conversation struct {
	PeerAddress string `json:"peer_address"`
	Epoch       int    `json:"epoch"`
	CreatedAt   int64  `json:"created_at"`
}

// Messenger is the application facade. It owns the unlock lifecycle;
// every other operation requires an unlocked session.
type Messenger struct {
	vault     *vault.Vault
	keys      *keyring.Manager
	repo      *message.Repository
	transport transport.Transport
	cache     *convo.Cache

	mu          sync.Mutex
	book        *contact.Book
	unsubscribe func()
	runCancel   context.CancelFunc
	epoch       int
}

// NewMessenger assembles a messenger over an open vault and a transport.
func NewMessenger(v *vault.Vault, tr transport.Transport) *Messenger {
	return &Messenger{
		vault:     v,
		keys:      keyring.NewManager(v),
		repo:      message.NewRepository(v),
		transport: tr,
		cache:     convo.NewCache(),
	}
}

// Challenge returns the deterministic text the wallet must sign to
// unlock the vault for address.
func (m *Messenger) Challenge(address string) (string, error) {
	return keyring.BuildChallenge(address)
}

// State reports the key hierarchy state.
func (m *Messenger) State() keyring.State { return m.keys.State() }

// Contacts returns the address book for the current session, or an error
// when locked.
func (m *Messenger) Contacts() (*contact.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book == nil {
		return nil, keyring.ErrLocked
	}
	return m.book, nil
}

// Unlock derives the session from the wallet signature and makes the
// messenger operational. It does not touch the network; call Start to
// connect and begin receiving.
func (m *Messenger) Unlock(ctx context.Context, signature, address string) error {
	session, err := m.keys.Unlock(ctx, signature, address)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.book = contact.NewBook(m.vault, session)
	m.mu.Unlock()
	return nil
}

// Start connects the transport under the session address and begins the
// receive loop. Inbound envelopes are validated, deduplicated by their
// content-addressed id, and stored; envelopes arriving while locked are
// dropped.
func (m *Messenger) Start(ctx context.Context) error {
	session := m.keys.Session()
	if session == nil {
		return keyring.ErrLocked
	}

	if err := m.transport.Connect(ctx, session.Address()); err != nil {
		return err
	}

	// The run context outlives ctx and is cancelled by Lock, so an
	// in-flight delivery stops before it writes anything once the vault
	// locks.
	runCtx, runCancel := context.WithCancel(context.Background())

	unsubscribe, err := m.transport.Subscribe(func(env *message.Envelope) {
		m.receive(runCtx, env)
	})
	if err != nil {
		runCancel()
		return err
	}

	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.runCancel != nil {
		m.runCancel()
	}
	m.unsubscribe = unsubscribe
	m.runCancel = runCancel
	m.mu.Unlock()

	log.Info().Str("address", session.Address()).Msg("Messenger started")
	return nil
}

// Lock tears the session down: stops receiving, clears derived key
// material, and locks the key hierarchy. Idempotent.
func (m *Messenger) Lock() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	runCancel := m.runCancel
	m.unsubscribe = nil
	m.runCancel = nil
	m.book = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if runCancel != nil {
		runCancel()
	}
	m.cache.Clear()
	m.keys.Lock()
}

// SetEpoch switches the conversation key epoch used for new derivations.
func (m *Messenger) SetEpoch(epoch int) error {
	if epoch < 0 {
		return errs.Validation("epoch", "must be a non-negative integer")
	}
	m.mu.Lock()
	m.epoch = epoch
	m.mu.Unlock()
	m.cache.Clear()
	return nil
}

// SendText encrypts body for the peer, hands the envelope to the
// transport, and stores it locally. Returns the content-addressed
// message id. The local store happens after the send so a transport
// rejection leaves no orphaned row.
func (m *Messenger) SendText(ctx context.Context, peerAddress string, body []byte) (string, error) {
	session := m.keys.Session()
	if session == nil {
		return "", keyring.ErrLocked
	}
	if len(body) == 0 {
		return "", errs.Validation("body", "must not be empty")
	}

	spec, err := m.conversationKey(ctx, peerAddress)
	if err != nil {
		return "", err
	}

	env, err := message.Seal(spec.Key, session.Address(), peerAddress, body, nil)
	if err != nil {
		return "", err
	}
	if err := m.transport.Send(ctx, env); err != nil {
		return "", err
	}

	id, err := m.repo.Store(ctx, spec.Key, env)
	if err != nil {
		return "", err
	}
	if err := m.ensureConversation(ctx, peerAddress); err != nil {
		log.Warn().Err(err).Msg("Failed to record conversation index")
	}
	return id, nil
}

// Text is a decrypted message as the UI consumes it.
type Text struct {
	ID        string
	From      string
	To        string
	Timestamp string
	Body      []byte
}

// History returns the newest messages exchanged with the peer,
// newest-first, decrypted.
func (m *Messenger) History(ctx context.Context, peerAddress string, limit int) ([]*Text, error) {
	spec, err := m.conversationKey(ctx, peerAddress)
	if err != nil {
		return nil, err
	}
	envs, err := m.repo.List(ctx, message.Query{Key: spec.Key, Limit: limit})
	if err != nil {
		return nil, err
	}

	out := make([]*Text, 0, len(envs))
	for _, env := range envs {
		body, err := env.Open(spec.Key)
		if err != nil {
			continue
		}
		id, err := env.ID()
		if err != nil {
			continue
		}
		out = append(out, &Text{
			ID:        id,
			From:      env.From,
			To:        env.To,
			Timestamp: env.Timestamp,
			Body:      body,
		})
	}
	return out, nil
}

// IdentityPublicKey returns the session's X25519 public key, the value a
// peer needs to derive the shared conversation key.
func (m *Messenger) IdentityPublicKey(ctx context.Context) ([]byte, error) {
	identity, err := m.keys.Identity(ctx)
	if err != nil {
		return nil, err
	}
	return identity.PublicKey, nil
}

// Conversations enumerates the conversation index records.
func (m *Messenger) Conversations(ctx context.Context) ([]*Conversation, error) {
	session := m.keys.Session()
	if session == nil {
		return nil, keyring.ErrLocked
	}
	dsk, err := session.StorageKey()
	if err != nil {
		return nil, err
	}

	rows, err := m.vault.Rows(ctx, vault.StoreConversations)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	out := make([]*Conversation, 0, len(rows))
	for _, row := range rows {
		blob, err := crypto.Open(dsk, row.IV, row.Ciphertext, []byte(conversationAADLabel))
		if err != nil {
			continue
		}
		var c Conversation
		if err := json.Unmarshal(blob, &c); err != nil {
			continue
		}
		out = append(out, &c)
	}
	return out, nil
}

// ExportBackup serializes the whole vault under the passphrase.
func (m *Messenger) ExportBackup(ctx context.Context, passphrase string) ([]byte, error) {
	return backup.Export(ctx, m.vault, passphrase)
}

// ImportBackup replaces the vault with the artifact's contents. The
// messenger must be locked first: a restore invalidates every derived
// key the session holds.
func (m *Messenger) ImportBackup(ctx context.Context, passphrase string, data []byte) error {
	if m.keys.State() == keyring.StateUnlocked {
		return errs.Validation("state", "must be locked before restoring a backup")
	}
	return backup.Import(ctx, m.vault, passphrase, data)
}

// receive is the inbound path: validate, resolve the sender's key,
// dedup by id, store. Runs on the transport's delivery goroutine with
// the run context from Start; Lock cancels that context, so a delivery
// in flight across a suspension point stops before writing.
func (m *Messenger) receive(ctx context.Context, env *message.Envelope) {
	session := m.keys.Session()
	if session == nil {
		log.Debug().Msg("Dropped envelope while locked")
		return
	}
	if env.Validate() != nil {
		log.Warn().Msg("Dropped invalid inbound envelope")
		return
	}
	if !crypto.SameAddress(env.To, session.Address()) {
		log.Warn().Str("to", env.To).Msg("Dropped envelope addressed to another account")
		return
	}

	spec, err := m.conversationKey(ctx, env.From)
	if err != nil {
		log.Warn().Err(err).Str("from", env.From).Msg("Dropped envelope from unresolvable peer")
		return
	}

	// Opening before storing keeps garbage sent under the right schema
	// but the wrong key out of the log.
	if _, err := env.Open(spec.Key); err != nil {
		log.Warn().Str("from", env.From).Msg("Dropped envelope that fails decryption")
		return
	}

	// Last cancellation check before the write; a lock issued while the
	// decrypt above was running must not leave an orphaned row.
	if err := ctx.Err(); err != nil {
		log.Debug().Msg("Dropped envelope after shutdown")
		return
	}

	id, err := m.repo.Store(ctx, spec.Key, env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to store inbound message")
		return
	}
	if err := m.ensureConversation(ctx, env.From); err != nil {
		log.Warn().Err(err).Msg("Failed to record conversation index")
	}
	log.Debug().Str("message_id", id).Msg("Stored inbound message")
}

// conversationKey resolves the peer's public key and derives (or reuses)
// the conversation key for the current epoch.
func (m *Messenger) conversationKey(ctx context.Context, peerAddress string) (*convo.KeySpec, error) {
	session := m.keys.Session()
	if session == nil {
		return nil, keyring.ErrLocked
	}

	peerKey, err := m.resolvePeerKey(ctx, peerAddress)
	if err != nil {
		return nil, err
	}

	identity, err := m.keys.Identity(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	return m.cache.Derive(identity.PrivateKey, peerKey, session.Address(), peerAddress, epoch)
}

// resolvePeerKey prefers the contact record's cached key and falls back
// to the transport's directory capability, caching a directory hit onto
// the contact when one exists.
func (m *Messenger) resolvePeerKey(ctx context.Context, peerAddress string) ([]byte, error) {
	book, err := m.Contacts()
	if err != nil {
		return nil, err
	}

	c, err := book.Get(ctx, peerAddress)
	if err != nil {
		return nil, err
	}
	if c != nil && len(c.PeerPublicKey) == crypto.KeySize {
		return c.PeerPublicKey, nil
	}

	dir := m.transport.PeerKeys()
	if dir == nil {
		return nil, ErrPeerKeyUnknown
	}
	key, err := dir.PeerPublicKey(ctx, peerAddress)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrPeerKeyUnknown
	}

	if c != nil {
		if _, err := book.SetPeerKey(ctx, peerAddress, key); err != nil {
			log.Warn().Err(err).Msg("Failed to cache peer key on contact")
		}
	}
	return key, nil
}

// ensureConversation writes the conversation index record once per
// (peer, epoch) pair.
func (m *Messenger) ensureConversation(ctx context.Context, peerAddress string) error {
	session := m.keys.Session()
	if session == nil {
		return keyring.ErrLocked
	}
	dsk, err := session.StorageKey()
	if err != nil {
		return err
	}

	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	id := crypto.SHA256Hex(
		[]byte(crypto.NormalizeAddress(peerAddress)),
		[]byte(strconv.Itoa(epoch)),
	)
	record := Conversation{
		PeerAddress: crypto.NormalizeAddress(peerAddress),
		Epoch:       epoch,
		CreatedAt:   time.Now().Unix(),
	}
	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation record: %w", err)
	}

	_, err = m.vault.InsertIfAbsent(ctx, vault.StoreConversations, id, dsk, blob,
		[]byte(conversationAADLabel), sql.NullInt64{})
	return err
}
