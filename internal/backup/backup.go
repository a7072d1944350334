// Package backup implements passphrase-based export and import of the
// entire vault as a single integrity-checked encrypted artifact. The
// artifact is self-describing: it carries its own KDF and AEAD parameters
// so future formats can coexist, and a plaintext hash as defense in depth
// beyond the AEAD tag.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"

	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
	"github.com/chainmail-im/chainmail/internal/vault"
)

const (
	// FormatName identifies the artifact; it is the compatibility
	// contract together with FormatVersion.
	FormatName    = "chainmail.encrypted-backup"
	FormatVersion = 1

	kdfName  = "pbkdf2"
	kdfHash  = "sha256"
	aeadName = "aes-256-gcm"
	aadLabel = "chainmail/backup/v1"

	// Iterations is the PBKDF2 cost for new exports. Imports accept any
	// value inside the bounds so parameters can change without a format
	// bump.
	Iterations    = 200_000
	MinIterations = 50_000
	MaxIterations = 2_000_000

	saltSize          = 16
	minPassphraseSize = 8
)

// ErrWrongPassphrase is the redacted rejection for an artifact that fails
// AEAD authentication: wrong passphrase and corrupted file are
// indistinguishable by design.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted file")

// ErrHashMismatch is returned when the decrypted payload does not match
// the artifact's recorded plaintext hash.
var ErrHashMismatch = errors.New("backup payload does not match its recorded hash")

// File is the exported artifact. All binary fields are hex-encoded.
type File struct {
	Format        string     `json:"format"`
	Version       int        `json:"v"`
	KDF           KDFParams  `json:"kdf"`
	AEAD          AEADParams `json:"aead"`
	Ciphertext    string     `json:"ciphertext"`
	PlaintextHash string     `json:"plaintext_hash"`
}

// KDFParams describes how to rebuild the encryption key from the
// passphrase.
type KDFParams struct {
	Name       string `json:"name"`
	Hash       string `json:"hash"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
}

// AEADParams describes the encryption of the payload.
type AEADParams struct {
	Name     string `json:"name"`
	IV       string `json:"iv"`
	AADLabel string `json:"aad_label"`
}

// payload is the serialized vault: every store's rows with binary fields
// hex-encoded. The rows are already ciphertext; the payload encryption
// wraps them a second time under the passphrase key.
type payload struct {
	Version    int                     `json:"v"`
	ExportedAt string                  `json:"exported_at"`
	Stores     map[string][]payloadRow `json:"stores"`
}

type payloadRow struct {
	ID         string `json:"id"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Timestamp  int64  `json:"ts,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Export serializes every store of the vault into a single encrypted
// artifact protected by the passphrase.
func Export(ctx context.Context, v *vault.Vault, passphrase string) ([]byte, error) {
	if len(passphrase) < minPassphraseSize {
		return nil, errs.Validation("passphrase", "must be at least 8 characters")
	}

	p := payload{
		Version:    FormatVersion,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Stores:     make(map[string][]payloadRow, len(vault.Stores)),
	}
	total := 0
	for _, store := range vault.Stores {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := v.Rows(ctx, store)
		if err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", store, err)
		}
		encoded := make([]payloadRow, 0, len(rows))
		for _, r := range rows {
			encoded = append(encoded, payloadRow{
				ID:         r.ID,
				IV:         hex.EncodeToString(r.IV),
				Ciphertext: hex.EncodeToString(r.Ciphertext),
				Timestamp:  r.Timestamp,
				CreatedAt:  r.CreatedAt,
				UpdatedAt:  r.UpdatedAt,
			})
		}
		p.Stores[string(store)] = encoded
		total += len(encoded)
	}

	plaintext, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup payload: %w", err)
	}
	plaintextHash := sha256.Sum256(plaintext)

	salt, err := crypto.RandomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(passphrase), salt, Iterations, crypto.KeySize, sha256.New)

	iv, ciphertext, err := crypto.Seal(key, plaintext, []byte(aadLabel))
	crypto.Zero(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt backup: %w", err)
	}

	f := File{
		Format:  FormatName,
		Version: FormatVersion,
		KDF: KDFParams{
			Name:       kdfName,
			Hash:       kdfHash,
			Salt:       hex.EncodeToString(salt),
			Iterations: Iterations,
		},
		AEAD: AEADParams{
			Name:     aeadName,
			IV:       hex.EncodeToString(iv),
			AADLabel: aadLabel,
		},
		Ciphertext:    hex.EncodeToString(ciphertext),
		PlaintextHash: hex.EncodeToString(plaintextHash[:]),
	}

	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup file: %w", err)
	}

	log.Info().Int("rows", total).Msg("Vault exported")
	return out, nil
}

// Import replaces the vault contents with the artifact's rows. Every row
// of every store is parsed and structurally validated before any existing
// state is touched; the final write is a single atomic replacement, so a
// failed restore leaves the previous vault intact. A commit failure after
// validation is surfaced as a critical error.
func Import(ctx context.Context, v *vault.Vault, passphrase string, data []byte) error {
	if passphrase == "" {
		return errs.Validation("passphrase", "must not be empty")
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return errs.Validation("backup", "not a parseable backup file")
	}
	salt, iv, expectedHash, err := validateFile(&f)
	if err != nil {
		return err
	}
	ciphertext, err := hex.DecodeString(f.Ciphertext)
	if err != nil || len(ciphertext) == 0 {
		return errs.Validation("ciphertext", "must be non-empty hex")
	}

	key := pbkdf2.Key([]byte(passphrase), salt, f.KDF.Iterations, crypto.KeySize, sha256.New)
	plaintext, err := crypto.Open(key, iv, ciphertext, []byte(f.AEAD.AADLabel))
	crypto.Zero(key)
	if err != nil {
		return ErrWrongPassphrase
	}

	actualHash := sha256.Sum256(plaintext)
	if hex.EncodeToString(actualHash[:]) != expectedHash {
		return ErrHashMismatch
	}

	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return errs.Validation("backup", "payload is not parseable")
	}
	if p.Version != FormatVersion {
		return errs.Validation("backup", "unsupported payload version")
	}

	// Validate everything before mutating anything.
	contents, err := decodeStores(&p)
	if err != nil {
		return err
	}

	if err := v.ReplaceAll(ctx, contents); err != nil {
		return errs.Critical("restore", err)
	}

	log.Info().Msg("Vault restored from backup")
	return nil
}

func validateFile(f *File) (salt, iv []byte, plaintextHash string, err error) {
	if f.Format != FormatName {
		return nil, nil, "", errs.Validation("format", "unknown backup format")
	}
	if f.Version != FormatVersion {
		return nil, nil, "", errs.Validation("v", "unsupported backup version")
	}
	if f.KDF.Name != kdfName || f.KDF.Hash != kdfHash {
		return nil, nil, "", errs.Validation("kdf", "unsupported key derivation")
	}
	if f.KDF.Iterations < MinIterations || f.KDF.Iterations > MaxIterations {
		return nil, nil, "", errs.Validation("kdf.iterations", "out of accepted range")
	}
	if f.AEAD.Name != aeadName {
		return nil, nil, "", errs.Validation("aead", "unsupported cipher")
	}
	salt, err = hex.DecodeString(f.KDF.Salt)
	if err != nil || len(salt) != saltSize {
		return nil, nil, "", errs.Validation("kdf.salt", "must be 16 bytes of hex")
	}
	iv, err = hex.DecodeString(f.AEAD.IV)
	if err != nil || len(iv) != crypto.IVSize {
		return nil, nil, "", errs.Validation("aead.iv", "must be 12 bytes of hex")
	}
	rawHash, err := hex.DecodeString(f.PlaintextHash)
	if err != nil || len(rawHash) != sha256.Size {
		return nil, nil, "", errs.Validation("plaintext_hash", "must be 32 bytes of hex")
	}
	return salt, iv, f.PlaintextHash, nil
}

func decodeStores(p *payload) (map[vault.Store][]vault.Row, error) {
	contents := make(map[vault.Store][]vault.Row, len(p.Stores))
	for name, rows := range p.Stores {
		store := vault.Store(name)
		if !store.Valid() {
			return nil, errs.Validation("stores", "unknown store in backup")
		}
		decoded := make([]vault.Row, 0, len(rows))
		seen := make(map[string]bool, len(rows))
		for _, r := range rows {
			if r.ID == "" {
				return nil, errs.Validation("row.id", "must not be empty")
			}
			if seen[r.ID] {
				return nil, errs.Validation("row.id", "duplicate id within store")
			}
			seen[r.ID] = true
			iv, err := hex.DecodeString(r.IV)
			if err != nil || len(iv) != crypto.IVSize {
				return nil, errs.Validation("row.iv", "must be 12 bytes of hex")
			}
			ct, err := hex.DecodeString(r.Ciphertext)
			if err != nil || len(ct) == 0 {
				return nil, errs.Validation("row.ciphertext", "must be non-empty hex")
			}
			decoded = append(decoded, vault.Row{
				ID:         r.ID,
				IV:         iv,
				Ciphertext: ct,
				Timestamp:  r.Timestamp,
				CreatedAt:  r.CreatedAt,
				UpdatedAt:  r.UpdatedAt,
			})
		}
		contents[store] = decoded
	}
	return contents, nil
}
