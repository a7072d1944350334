package message

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
	"github.com/chainmail-im/chainmail/internal/vault"
)

// storageAADLabel is bound into the AEAD wrapping stored envelopes, so a
// message row can never be replayed as a contact or settings row.
const storageAADLabel = "chainmail/message-row/v1"

// Repository is the encrypted append-only per-conversation message log.
// Rows are keyed by content-derived id and share one time-ordered index;
// conversation membership is established by decryptability under the
// caller's conversation key, so no conversation identifier is ever stored
// in plaintext.
type Repository struct {
	vault *vault.Vault
}

// NewRepository creates a repository over the given vault.
func NewRepository(v *vault.Vault) *Repository {
	return &Repository{vault: v}
}

// Store persists the envelope under its content-derived id, encrypted
// with the conversation key. Write-idempotent: storing a byte-identical
// envelope again returns the existing id without rewriting the row. This
// is the primary replay and duplicate-delivery defense.
func (r *Repository) Store(ctx context.Context, key []byte, env *Envelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	id, err := env.ID()
	if err != nil {
		return "", err
	}

	wrapper, err := encodeEnvelope(env)
	if err != nil {
		return "", err
	}

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return "", ErrInvalidEnvelope
	}

	inserted, err := r.vault.InsertIfAbsent(ctx, vault.StoreMessages, id, key, wrapper,
		[]byte(storageAADLabel), sql.NullInt64{Int64: ts.UnixMilli(), Valid: true})
	if err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}
	if !inserted {
		log.Debug().Str("message_id", id).Msg("Duplicate message store collapsed")
	}
	return id, nil
}

// Get decrypts a stored message by id. Returns (nil, nil) when the id
// does not exist. After decryption the id is recomputed from the envelope
// content; a mismatch is raised as ErrTampered, distinct from the plain
// integrity failure a wrong key produces.
func (r *Repository) Get(ctx context.Context, id string, key []byte) (*Envelope, error) {
	if err := validateMessageID(id); err != nil {
		return nil, err
	}

	wrapper, err := r.vault.Get(ctx, vault.StoreMessages, id, key, []byte(storageAADLabel))
	if err != nil {
		return nil, err
	}
	if wrapper == nil {
		return nil, nil
	}

	env, err := decodeEnvelope(wrapper)
	if err != nil {
		return nil, err
	}

	actual, err := env.ID()
	if err != nil {
		return nil, err
	}
	if actual != id {
		return nil, ErrTampered
	}
	return env, nil
}

// Query bounds a List call. Limit counts successfully decrypted messages;
// Before and After are exclusive timestamp bounds and may be zero.
type Query struct {
	Key    []byte
	Limit  int
	Before time.Time
	After  time.Time
}

// scanOverscan sizes each index page relative to the caller's limit.
// Rows of other conversations fail to decrypt and are skipped, so a page
// reads more rows than the limit to reduce re-queries without loading
// the whole index.
const scanOverscan = 4

// List returns the newest messages of the conversation identified by the
// query key, newest-first. Rows that fail to decrypt are skipped rather
// than aborting the list: this is deliberate policy, covering both
// corrupted rows and rows belonging to other conversations, which are
// indistinguishable here. The index is read in keyset-paged batches, so
// a large store is never materialized at once; the scan stops once Limit
// messages decrypt or the index is exhausted, and ctx cancellation stops
// it between rows.
func (r *Repository) List(ctx context.Context, q Query) ([]*Envelope, error) {
	if q.Limit <= 0 {
		return nil, errs.Validation("limit", "must be a positive integer")
	}

	var before, after int64
	if !q.Before.IsZero() {
		before = q.Before.UnixMilli()
	}
	if !q.After.IsZero() {
		after = q.After.UnixMilli()
	}

	out := make([]*Envelope, 0, q.Limit)
	skipped := 0
	batch := q.Limit * scanOverscan
	var cursor vault.Cursor

	for {
		rows, err := r.vault.ScanPage(ctx, vault.StoreMessages, before, after, cursor, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to scan messages: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			wrapper, err := crypto.Open(q.Key, row.IV, row.Ciphertext, []byte(storageAADLabel))
			if err != nil {
				if errors.Is(err, errs.ErrIntegrity) {
					skipped++
					continue
				}
				return nil, err
			}
			env, err := decodeEnvelope(wrapper)
			if err != nil {
				skipped++
				continue
			}
			out = append(out, env)
			if len(out) >= q.Limit {
				if skipped > 0 {
					log.Debug().Int("skipped", skipped).Int("returned", len(out)).Msg("Message list skipped undecryptable rows")
				}
				return out, nil
			}
		}

		if len(rows) < batch {
			break
		}
		last := rows[len(rows)-1]
		cursor = vault.Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}

	if skipped > 0 {
		log.Debug().Int("skipped", skipped).Int("returned", len(out)).Msg("Message list skipped undecryptable rows")
	}
	return out, nil
}

// Delete removes a message by id unconditionally. A malformed id is a
// local validation error, not a storage error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := validateMessageID(id); err != nil {
		return err
	}
	return r.vault.Delete(ctx, vault.StoreMessages, id)
}

func validateMessageID(id string) error {
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != 32 {
		return errs.Validation("id", "must be a 64-character hex SHA-256 digest")
	}
	return nil
}
