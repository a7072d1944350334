// Package contact manages the address book. A contact's identity is
// derived solely from its address; label, note, and the cached peer
// public key are mutable. Records are encrypted under the device storage
// key through the vault contacts store.
package contact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
	"github.com/chainmail-im/chainmail/internal/keyring"
	"github.com/chainmail-im/chainmail/internal/vault"
)

const aadLabel = "chainmail/contact/v1"

// ErrExists is returned when adding a contact whose address is already
// in the book. Contacts are the one store where the caller-facing API
// enforces uniqueness instead of update-in-place.
var ErrExists = errors.New("contact already exists")

// Contact is an address book entry. PeerPublicKey caches the peer's
// X25519 key once learned, so conversations can start without a
// directory lookup.
type Contact struct {
	ID            string `json:"id"`
	Address       string `json:"address"`
	Label         string `json:"label"`
	Note          string `json:"note,omitempty"`
	PeerPublicKey []byte `json:"peer_public_key,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// ID derives the contact id for an address: SHA-256 of the lowercased
// address, hex-encoded.
func ID(address string) string {
	return crypto.SHA256Hex([]byte(crypto.NormalizeAddress(address)))
}

// Book is the contact store bound to an unlocked session.
type Book struct {
	vault   *vault.Vault
	session *keyring.Session
}

// NewBook creates a contact book over the vault using the session's
// storage key. The book stops working once the session is locked.
func NewBook(v *vault.Vault, session *keyring.Session) *Book {
	return &Book{vault: v, session: session}
}

// Add inserts a new contact. The address is validated and checksummed;
// adding an address that already exists fails with ErrExists.
func (b *Book) Add(ctx context.Context, address, label, note string) (*Contact, error) {
	if err := crypto.ValidateAddress("address", address); err != nil {
		return nil, err
	}
	if label == "" {
		return nil, errs.Validation("label", "must not be empty")
	}
	checksummed, err := crypto.ChecksumAddress(address)
	if err != nil {
		return nil, err
	}
	dsk, err := b.session.StorageKey()
	if err != nil {
		return nil, err
	}

	now := nowUnix()
	c := &Contact{
		ID:        ID(address),
		Address:   checksummed,
		Label:     label,
		Note:      note,
		CreatedAt: now,
		UpdatedAt: now,
	}
	blob, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal contact: %w", err)
	}

	inserted, err := b.vault.InsertIfAbsent(ctx, vault.StoreContacts, c.ID, dsk, blob,
		[]byte(aadLabel), sql.NullInt64{})
	if err != nil {
		return nil, fmt.Errorf("failed to store contact: %w", err)
	}
	if !inserted {
		return nil, ErrExists
	}
	return c, nil
}

// Get returns the contact for an address, or (nil, nil) when unknown.
func (b *Book) Get(ctx context.Context, address string) (*Contact, error) {
	if err := crypto.ValidateAddress("address", address); err != nil {
		return nil, err
	}
	dsk, err := b.session.StorageKey()
	if err != nil {
		return nil, err
	}

	blob, err := b.vault.Get(ctx, vault.StoreContacts, ID(address), dsk, []byte(aadLabel))
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}

	var c Contact
	if err := json.Unmarshal(blob, &c); err != nil {
		return nil, fmt.Errorf("failed to parse contact: %w", err)
	}
	return &c, nil
}

// Update applies mutate to the stored contact and persists the result.
// The read-modify-write runs in one vault transaction, so concurrent
// updates to the same contact serialize instead of losing a mutation.
// The id and address are immutable; mutations to them are discarded.
func (b *Book) Update(ctx context.Context, address string, mutate func(*Contact)) (*Contact, error) {
	if err := crypto.ValidateAddress("address", address); err != nil {
		return nil, err
	}
	dsk, err := b.session.StorageKey()
	if err != nil {
		return nil, err
	}

	var updated *Contact
	err = b.vault.UpdateRow(ctx, vault.StoreContacts, ID(address), dsk, []byte(aadLabel),
		func(plaintext []byte) ([]byte, error) {
			var c Contact
			if err := json.Unmarshal(plaintext, &c); err != nil {
				return nil, fmt.Errorf("failed to parse contact: %w", err)
			}
			id, addr := c.ID, c.Address
			mutate(&c)
			c.ID, c.Address = id, addr
			c.UpdatedAt = nowUnix()

			blob, err := json.Marshal(&c)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal contact: %w", err)
			}
			updated = &c
			return blob, nil
		})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetPeerKey records the peer's 32-byte X25519 public key on the contact.
func (b *Book) SetPeerKey(ctx context.Context, address string, publicKey []byte) (*Contact, error) {
	if len(publicKey) != 32 {
		return nil, errs.Validation("publicKey", "must be exactly 32 bytes")
	}
	return b.Update(ctx, address, func(c *Contact) {
		c.PeerPublicKey = publicKey
	})
}

// List returns every readable contact. Rows that fail to decrypt are
// skipped, not fatal: a single corrupted record must not hide the rest
// of the address book.
func (b *Book) List(ctx context.Context) ([]*Contact, error) {
	dsk, err := b.session.StorageKey()
	if err != nil {
		return nil, err
	}

	rows, err := b.vault.Rows(ctx, vault.StoreContacts)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}

	out := make([]*Contact, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blob, err := crypto.Open(dsk, row.IV, row.Ciphertext, []byte(aadLabel))
		if err != nil {
			skipped++
			continue
		}
		var c Contact
		if err := json.Unmarshal(blob, &c); err != nil {
			skipped++
			continue
		}
		out = append(out, &c)
	}
	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("Contact list skipped unreadable rows")
	}
	return out, nil
}

func nowUnix() int64 { return time.Now().Unix() }

// Remove deletes the contact for an address. Removing an unknown address
// is not an error.
func (b *Book) Remove(ctx context.Context, address string) error {
	if err := crypto.ValidateAddress("address", address); err != nil {
		return err
	}
	return b.vault.Delete(ctx, vault.StoreContacts, ID(address))
}
