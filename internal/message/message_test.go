package message

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
	"github.com/chainmail-im/chainmail/internal/vault"
)

const (
	addrAlice = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	addrBob   = "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	v, err := vault.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open vault: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return NewRepository(v)
}

func sealTest(t *testing.T, key []byte, body string) *Envelope {
	t.Helper()
	env, err := Seal(key, addrAlice, addrBob, []byte(body), nil)
	if err != nil {
		t.Fatalf("Failed to seal envelope: %v", err)
	}
	return env
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, _ := crypto.NewKey()
	env := sealTest(t, key, "hello")

	if err := env.Validate(); err != nil {
		t.Fatalf("Sealed envelope failed validation: %v", err)
	}

	body, err := env.Open(key)
	if err != nil {
		t.Fatalf("Failed to open envelope: %v", err)
	}
	if !bytes.Equal(body, []byte("hello")) {
		t.Errorf("Expected 'hello', got %q", body)
	}
}

func TestEnvelopeIDDeterministic(t *testing.T) {
	key, _ := crypto.NewKey()
	env := sealTest(t, key, "same bytes")

	id1, err := env.ID()
	if err != nil {
		t.Fatalf("Failed to compute id: %v", err)
	}
	id2, err := env.ID()
	if err != nil {
		t.Fatalf("Failed to compute id: %v", err)
	}
	if id1 != id2 {
		t.Error("Message id is not deterministic")
	}
	if len(id1) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(id1))
	}
}

func TestValidateRejections(t *testing.T) {
	key, _ := crypto.NewKey()
	valid := sealTest(t, key, "ok")

	mutate := func(fn func(e *Envelope)) *Envelope {
		e := *valid
		fn(&e)
		return &e
	}

	cases := []struct {
		name string
		env  *Envelope
	}{
		{"wrong version", mutate(func(e *Envelope) { e.V = 2 })},
		{"bad from", mutate(func(e *Envelope) { e.From = "0x123" })},
		{"bad to", mutate(func(e *Envelope) { e.To = "bob" })},
		{"bad timestamp", mutate(func(e *Envelope) { e.Timestamp = "yesterday" })},
		{"short nonce", mutate(func(e *Envelope) { e.Nonce = "abcd" })},
		{"short iv", mutate(func(e *Envelope) { e.IV = "abcd" })},
		{"empty ciphertext", mutate(func(e *Envelope) { e.Ciphertext = "" })},
		{"odd aad hex", mutate(func(e *Envelope) { e.AAD = "abc" })},
	}
	for _, tc := range cases {
		if err := tc.env.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("%s: expected ErrInvalidEnvelope, got %v", tc.name, err)
		}
	}
}

func TestStoreIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	key, _ := crypto.NewKey()
	env := sealTest(t, key, "stored once")

	id1, err := repo.Store(ctx, key, env)
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}
	id2, err := repo.Store(ctx, key, env)
	if err != nil {
		t.Fatalf("Failed to store duplicate: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Duplicate store returned different id: %s vs %s", id1, id2)
	}

	msgs, err := repo.List(ctx, Query{Key: key, Limit: 10})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("Expected exactly one persisted row, got %d", len(msgs))
	}
}

func TestGetRecomputesID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	key, _ := crypto.NewKey()
	env := sealTest(t, key, "verify me")

	id, err := repo.Store(ctx, key, env)
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	got, err := repo.Get(ctx, id, key)
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if got == nil {
		t.Fatal("Expected envelope, got nil")
	}
	body, err := got.Open(key)
	if err != nil {
		t.Fatalf("Failed to open retrieved envelope: %v", err)
	}
	if !bytes.Equal(body, []byte("verify me")) {
		t.Errorf("Expected original body, got %q", body)
	}
}

func TestGetWrongKeyIsIntegrityError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	key, _ := crypto.NewKey()
	wrong, _ := crypto.NewKey()
	env := sealTest(t, key, "secret")

	id, err := repo.Store(ctx, key, env)
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}
	if _, err := repo.Get(ctx, id, wrong); !errors.Is(err, errs.ErrIntegrity) {
		t.Errorf("Expected integrity error, got %v", err)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	repo := newTestRepo(t)
	key, _ := crypto.NewKey()
	absent := crypto.SHA256Hex([]byte("no such message"))

	env, err := repo.Get(context.Background(), absent, key)
	if err != nil {
		t.Fatalf("Expected no error for missing message, got %v", err)
	}
	if env != nil {
		t.Error("Expected nil envelope for missing message")
	}
}

func TestListSkipsForeignConversations(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	keyAB, _ := crypto.NewKey()
	keyCD, _ := crypto.NewKey()

	for _, body := range []string{"one", "two"} {
		if _, err := repo.Store(ctx, keyAB, sealTest(t, keyAB, body)); err != nil {
			t.Fatalf("Failed to store: %v", err)
		}
	}
	if _, err := repo.Store(ctx, keyCD, sealTest(t, keyCD, "other conversation")); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	msgs, err := repo.List(ctx, Query{Key: keyAB, Limit: 10})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("Expected 2 messages under keyAB, got %d", len(msgs))
	}
	for _, m := range msgs {
		if _, err := m.Open(keyAB); err != nil {
			t.Errorf("Listed message failed to open: %v", err)
		}
	}
}

func TestListNewestFirstWithBounds(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	key, _ := crypto.NewKey()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 4; i++ {
		env := sealTest(t, key, "msg")
		env.Timestamp = base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339)
		id, err := repo.Store(ctx, key, env)
		if err != nil {
			t.Fatalf("Failed to store: %v", err)
		}
		ids = append(ids, id)
	}

	msgs, err := repo.List(ctx, Query{
		Key:    key,
		Limit:  10,
		Before: base.Add(3 * time.Hour),
		After:  base,
	})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 bounded messages, got %d", len(msgs))
	}
	// Newest first.
	first, _ := msgs[0].ID()
	second, _ := msgs[1].ID()
	if first != ids[2] || second != ids[1] {
		t.Error("Expected newest-first ordering within bounds")
	}
}

func TestListLimitCountsSuccesses(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	mine, _ := crypto.NewKey()
	other, _ := crypto.NewKey()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// Interleave: newest rows belong to the other conversation, so a
	// naive LIMIT at the index level would return too few.
	for i := 0; i < 3; i++ {
		env := sealTest(t, other, "other")
		env.Timestamp = base.Add(time.Duration(10+i) * time.Minute).Format(time.RFC3339)
		if _, err := repo.Store(ctx, other, env); err != nil {
			t.Fatalf("Failed to store: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		env := sealTest(t, mine, "mine")
		env.Timestamp = base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		if _, err := repo.Store(ctx, mine, env); err != nil {
			t.Fatalf("Failed to store: %v", err)
		}
	}

	msgs, err := repo.List(ctx, Query{Key: mine, Limit: 2})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("Expected limit to count decrypted messages, got %d", len(msgs))
	}
}

func TestListPagesPastForeignRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	mine, _ := crypto.NewKey()
	other, _ := crypto.NewKey()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// With Limit 1 each index page holds scanOverscan rows; a run of
	// foreign rows longer than one page forces the list to keep paging
	// until the match shows up.
	foreign := 2*scanOverscan - 2
	for i := 0; i < foreign; i++ {
		env := sealTest(t, other, "other")
		env.Timestamp = base.Add(time.Duration(10+i) * time.Minute).Format(time.RFC3339)
		if _, err := repo.Store(ctx, other, env); err != nil {
			t.Fatalf("Failed to store: %v", err)
		}
	}
	wantEnv := sealTest(t, mine, "buried")
	wantEnv.Timestamp = base.Format(time.RFC3339)
	wantID, err := repo.Store(ctx, mine, wantEnv)
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	msgs, err := repo.List(ctx, Query{Key: mine, Limit: 1})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected the buried message across page boundaries, got %d", len(msgs))
	}
	gotID, _ := msgs[0].ID()
	if gotID != wantID {
		t.Error("Paging returned the wrong message")
	}
}

func TestListOrderStableAcrossPages(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	mine, _ := crypto.NewKey()
	other, _ := crypto.NewKey()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	// Alternate conversations so matches land on different pages.
	for i := 0; i < 3*scanOverscan; i++ {
		key, body := other, "other"
		if i%3 == 0 {
			key, body = mine, "mine"
		}
		env := sealTest(t, key, body)
		env.Timestamp = base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		id, err := repo.Store(ctx, key, env)
		if err != nil {
			t.Fatalf("Failed to store: %v", err)
		}
		if i%3 == 0 {
			ids = append(ids, id)
		}
	}

	msgs, err := repo.List(ctx, Query{Key: mine, Limit: len(ids)})
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(msgs) != len(ids) {
		t.Fatalf("Expected %d messages, got %d", len(ids), len(msgs))
	}
	for i, m := range msgs {
		id, _ := m.ID()
		if id != ids[len(ids)-1-i] {
			t.Fatalf("Expected newest-first ordering across pages at index %d", i)
		}
	}
}

func TestListCancellation(t *testing.T) {
	repo := newTestRepo(t)
	key, _ := crypto.NewKey()
	if _, err := repo.Store(context.Background(), key, sealTest(t, key, "x")); err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := repo.List(ctx, Query{Key: key, Limit: 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDeleteValidatesID(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Delete(context.Background(), "not-an-id"); !errs.IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	key, _ := crypto.NewKey()

	id, err := repo.Store(ctx, key, sealTest(t, key, "short lived"))
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}
	if err := repo.Delete(ctx, id); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	env, err := repo.Get(ctx, id, key)
	if err != nil || env != nil {
		t.Errorf("Expected message gone, got %v err %v", env, err)
	}
}

func TestStoredRowTamperDetected(t *testing.T) {
	v, err := vault.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open vault: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	repo := NewRepository(v)
	ctx := context.Background()
	key, _ := crypto.NewKey()

	// Store under the true content id, then store the same wrapper again
	// under a different id to simulate an index/content mismatch.
	env := sealTest(t, key, "original")
	id, err := repo.Store(ctx, key, env)
	if err != nil {
		t.Fatalf("Failed to store: %v", err)
	}

	forged := crypto.SHA256Hex([]byte("forged id"))
	wrapper, _ := encodeEnvelope(env)
	if err := v.Put(ctx, vault.StoreMessages, forged, key, wrapper, []byte(storageAADLabel)); err != nil {
		t.Fatalf("Failed to plant forged row: %v", err)
	}

	if _, err := repo.Get(ctx, forged, key); !errors.Is(err, ErrTampered) {
		t.Errorf("Expected tamper error for forged id, got %v", err)
	}
	// The honest row still reads fine.
	if _, err := repo.Get(ctx, id, key); err != nil {
		t.Errorf("Honest row failed to read: %v", err)
	}
}

func TestNonceAndIVShape(t *testing.T) {
	key, _ := crypto.NewKey()
	env := sealTest(t, key, "shapes")

	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil || len(nonce) != crypto.NonceSize {
		t.Errorf("Expected %d-byte nonce, got %d (err %v)", crypto.NonceSize, len(nonce), err)
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil || len(iv) != crypto.IVSize {
		t.Errorf("Expected %d-byte IV, got %d (err %v)", crypto.IVSize, len(iv), err)
	}
}
