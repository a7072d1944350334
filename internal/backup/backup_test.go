package backup

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
	"github.com/chainmail-im/chainmail/internal/vault"
)

const testPassphrase = "correct horse battery"

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open vault: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.NewKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func TestExportRejectsShortPassphrase(t *testing.T) {
	v := newTestVault(t)
	if _, err := Export(context.Background(), v, "short"); !errs.IsValidation(err) {
		t.Errorf("Expected validation error for short passphrase, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestVault(t)
	key := testKey(t)

	if err := src.Put(ctx, vault.StoreContacts, "c1", key, []byte(`{"label":"Bob"}`), []byte("aad")); err != nil {
		t.Fatalf("Failed to seed contact: %v", err)
	}
	if _, err := src.InsertIfAbsent(ctx, vault.StoreMessages, "m1", key, []byte("hello"),
		[]byte("aad"), sql.NullInt64{Int64: 1700000000000, Valid: true}); err != nil {
		t.Fatalf("Failed to seed message: %v", err)
	}

	artifact, err := Export(ctx, src, testPassphrase)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}

	dst := newTestVault(t)
	if err := Import(ctx, dst, testPassphrase, artifact); err != nil {
		t.Fatalf("Failed to import: %v", err)
	}

	got, err := dst.Get(ctx, vault.StoreContacts, "c1", key, []byte("aad"))
	if err != nil {
		t.Fatalf("Failed to read restored contact: %v", err)
	}
	if string(got) != `{"label":"Bob"}` {
		t.Errorf("Restored contact does not match: %s", got)
	}

	rows, err := dst.Rows(ctx, vault.StoreMessages)
	if err != nil {
		t.Fatalf("Failed to read restored messages: %v", err)
	}
	if len(rows) != 1 || rows[0].Timestamp != 1700000000000 {
		t.Errorf("Restored message row lost its timestamp: %+v", rows)
	}
}

func TestImportReplacesExistingContents(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)

	src := newTestVault(t)
	if err := src.Put(ctx, vault.StoreSettings, "s1", key, []byte("new"), []byte("aad")); err != nil {
		t.Fatalf("Failed to seed source: %v", err)
	}
	artifact, err := Export(ctx, src, testPassphrase)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}

	dst := newTestVault(t)
	if err := dst.Put(ctx, vault.StoreSettings, "stale", key, []byte("old"), []byte("aad")); err != nil {
		t.Fatalf("Failed to seed destination: %v", err)
	}
	if err := Import(ctx, dst, testPassphrase, artifact); err != nil {
		t.Fatalf("Failed to import: %v", err)
	}

	if ok, err := dst.Has(ctx, vault.StoreSettings, "stale"); err != nil || ok {
		t.Errorf("Expected pre-import row to be gone, has=%v err=%v", ok, err)
	}
	if ok, err := dst.Has(ctx, vault.StoreSettings, "s1"); err != nil || !ok {
		t.Errorf("Expected imported row to exist, has=%v err=%v", ok, err)
	}
}

func TestImportWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	src := newTestVault(t)
	artifact, err := Export(ctx, src, testPassphrase)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}

	dst := newTestVault(t)
	if err := Import(ctx, dst, "not the passphrase", artifact); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Expected ErrWrongPassphrase, got %v", err)
	}
}

func TestImportRejectsBadIterations(t *testing.T) {
	ctx := context.Background()
	src := newTestVault(t)
	artifact, err := Export(ctx, src, testPassphrase)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}

	var f File
	if err := json.Unmarshal(artifact, &f); err != nil {
		t.Fatalf("Failed to parse artifact: %v", err)
	}

	for _, iters := range []int{0, MinIterations - 1, MaxIterations + 1} {
		f.KDF.Iterations = iters
		forged, err := json.Marshal(f)
		if err != nil {
			t.Fatalf("Failed to marshal forged artifact: %v", err)
		}
		if err := Import(ctx, newTestVault(t), testPassphrase, forged); !errs.IsValidation(err) {
			t.Errorf("Expected validation error for iterations=%d, got %v", iters, err)
		}
	}
}

// forgeArtifact encrypts a payload exactly the way Export does, but with
// caller-chosen contents and plaintext hash.
func forgeArtifact(t *testing.T, p payload, overrideHash string) []byte {
	t.Helper()
	plaintext, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	hash := sha256.Sum256(plaintext)
	recorded := hex.EncodeToString(hash[:])
	if overrideHash != "" {
		recorded = overrideHash
	}

	salt := make([]byte, saltSize)
	key := pbkdf2.Key([]byte(testPassphrase), salt, MinIterations, crypto.KeySize, sha256.New)
	iv, ciphertext, err := crypto.Seal(key, plaintext, []byte(aadLabel))
	if err != nil {
		t.Fatalf("Failed to seal payload: %v", err)
	}

	f := File{
		Format:  FormatName,
		Version: FormatVersion,
		KDF: KDFParams{
			Name:       kdfName,
			Hash:       kdfHash,
			Salt:       hex.EncodeToString(salt),
			Iterations: MinIterations,
		},
		AEAD: AEADParams{
			Name:     aeadName,
			IV:       hex.EncodeToString(iv),
			AADLabel: aadLabel,
		},
		Ciphertext:    hex.EncodeToString(ciphertext),
		PlaintextHash: recorded,
	}
	out, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Failed to marshal artifact: %v", err)
	}
	return out
}

func emptyPayload() payload {
	stores := make(map[string][]payloadRow, len(vault.Stores))
	for _, s := range vault.Stores {
		stores[string(s)] = nil
	}
	return payload{Version: FormatVersion, Stores: stores}
}

func TestImportHashMismatchLeavesVaultUntouched(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)

	dst := newTestVault(t)
	if err := dst.Put(ctx, vault.StoreSettings, "keep", key, []byte("old"), []byte("aad")); err != nil {
		t.Fatalf("Failed to seed destination: %v", err)
	}

	wrongHash := hex.EncodeToString(make([]byte, sha256.Size))
	forged := forgeArtifact(t, emptyPayload(), wrongHash)

	if err := Import(ctx, dst, testPassphrase, forged); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("Expected ErrHashMismatch, got %v", err)
	}
	if ok, err := dst.Has(ctx, vault.StoreSettings, "keep"); err != nil || !ok {
		t.Errorf("Hash mismatch must not mutate the vault, has=%v err=%v", ok, err)
	}
}

func TestImportUnknownStoreLeavesVaultUntouched(t *testing.T) {
	ctx := context.Background()
	key := testKey(t)

	p := emptyPayload()
	p.Stores["bogus"] = []payloadRow{{
		ID:         "r1",
		IV:         hex.EncodeToString(make([]byte, crypto.IVSize)),
		Ciphertext: "ff",
	}}
	forged := forgeArtifact(t, p, "")

	dst := newTestVault(t)
	if err := dst.Put(ctx, vault.StoreSettings, "keep", key, []byte("old"), []byte("aad")); err != nil {
		t.Fatalf("Failed to seed destination: %v", err)
	}
	if err := Import(ctx, dst, testPassphrase, forged); !errs.IsValidation(err) {
		t.Fatalf("Expected validation error for unknown store, got %v", err)
	}
	if ok, err := dst.Has(ctx, vault.StoreSettings, "keep"); err != nil || !ok {
		t.Errorf("Invalid backup must not mutate the vault, has=%v err=%v", ok, err)
	}
}

func TestImportMalformedRowRejected(t *testing.T) {
	cases := []struct {
		name string
		row  payloadRow
	}{
		{"empty id", payloadRow{IV: hex.EncodeToString(make([]byte, crypto.IVSize)), Ciphertext: "ff"}},
		{"short iv", payloadRow{ID: "r1", IV: "00", Ciphertext: "ff"}},
		{"empty ciphertext", payloadRow{ID: "r1", IV: hex.EncodeToString(make([]byte, crypto.IVSize))}},
		{"bad hex", payloadRow{ID: "r1", IV: hex.EncodeToString(make([]byte, crypto.IVSize)), Ciphertext: "zz"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := emptyPayload()
			p.Stores[string(vault.StoreMessages)] = []payloadRow{tc.row}
			forged := forgeArtifact(t, p, "")
			if err := Import(context.Background(), newTestVault(t), testPassphrase, forged); !errs.IsValidation(err) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestImportGarbageInput(t *testing.T) {
	v := newTestVault(t)
	if err := Import(context.Background(), v, testPassphrase, []byte("not json")); !errs.IsValidation(err) {
		t.Errorf("Expected validation error for garbage, got %v", err)
	}
	if err := Import(context.Background(), v, testPassphrase, []byte(`{"format":"other"}`)); !errs.IsValidation(err) {
		t.Errorf("Expected validation error for foreign format, got %v", err)
	}
}

func TestArtifactNeverLeaksPlaintext(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)
	key := testKey(t)

	if err := v.Put(ctx, vault.StoreContacts, "c1", key, []byte(`{"note":"secret"}`), []byte("aad")); err != nil {
		t.Fatalf("Failed to seed contact: %v", err)
	}

	artifact, err := Export(ctx, v, testPassphrase)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	if strings.Contains(string(artifact), "secret") {
		t.Error("Backup artifact contains plaintext from the vault")
	}
	if strings.Contains(string(artifact), testPassphrase) {
		t.Error("Backup artifact contains the passphrase")
	}
}
