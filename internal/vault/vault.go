// Package vault implements the encrypted key-value persistence layer. One
// logical row is an id plus an AEAD blob plus timestamps; every ciphertext
// stored here was produced under a key whose provenance traces to the
// device storage key or a conversation key. The layer never sees plaintext
// keys of its own and enforces no cross-store references; referential
// integrity belongs to the callers.
package vault

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
)

// Store names a logical store. Five stores exist; ids are opaque strings
// scoped per store.
type Store string

const (
	StoreKeys          Store = "keys"
	StoreContacts      Store = "contacts"
	StoreConversations Store = "conversations"
	StoreMessages      Store = "messages"
	StoreSettings      Store = "settings"
)

// Stores lists every logical store in a stable order, used by the backup
// pipeline to serialize the whole vault.
var Stores = []Store{StoreKeys, StoreContacts, StoreConversations, StoreMessages, StoreSettings}

// Valid reports whether s names a known store.
func (s Store) Valid() bool {
	switch s {
	case StoreKeys, StoreContacts, StoreConversations, StoreMessages, StoreSettings:
		return true
	}
	return false
}

// Row is the generic persisted unit. Timestamp is only populated for rows
// in the messages store, where it backs the time-ordered index; it is the
// envelope timestamp, not the write time.
type Row struct {
	ID         string
	IV         []byte
	Ciphertext []byte
	Timestamp  int64
	CreatedAt  int64
	UpdatedAt  int64
}

// Vault is the SQLite-backed encrypted row store.
type Vault struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (or creates) a vault database at path. Use ":memory:" for an
// ephemeral vault in tests.
func Open(path string) (*Vault, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite is a single-writer database; one connection also keeps the
	// :memory: variant coherent across goroutines.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	v := &Vault{db: db, path: path}
	if err := v.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return v, nil
}

// Close closes the underlying database.
func (v *Vault) Close() error {
	return v.db.Close()
}

func (v *Vault) initSchema() error {
	schema := `
	-- Generic encrypted rows. The blob columns are always AEAD output;
	-- ts is plaintext metadata used only by the messages time index,
	-- mirroring the plaintext feed-control columns pattern.
	CREATE TABLE IF NOT EXISTS rows (
		store      TEXT NOT NULL,
		id         TEXT NOT NULL,
		iv         BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		ts         INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (store, id)
	);

	-- Time-ordered index for message range queries.
	CREATE INDEX IF NOT EXISTS idx_rows_ts
		ON rows(store, ts DESC)
		WHERE ts IS NOT NULL;
	`
	if _, err := v.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Put encrypts plaintext under key with a fresh IV and upserts the row.
// An existing id is updated in place: created_at is preserved and
// updated_at advances.
func (v *Vault) Put(ctx context.Context, store Store, id string, key, plaintext, aad []byte) error {
	return v.put(ctx, store, id, key, plaintext, aad, sql.NullInt64{})
}

// PutIndexed is Put for rows that participate in the timestamp index.
func (v *Vault) PutIndexed(ctx context.Context, store Store, id string, key, plaintext, aad []byte, ts int64) error {
	return v.put(ctx, store, id, key, plaintext, aad, sql.NullInt64{Int64: ts, Valid: true})
}

func (v *Vault) put(ctx context.Context, store Store, id string, key, plaintext, aad []byte, ts sql.NullInt64) error {
	if !store.Valid() {
		return errs.Validation("store", "unknown store")
	}
	if id == "" {
		return errs.Validation("id", "must not be empty")
	}

	iv, ciphertext, err := crypto.Seal(key, plaintext, aad)
	if err != nil {
		return fmt.Errorf("failed to encrypt row: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now().Unix()
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO rows (store, id, iv, ciphertext, ts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store, id) DO UPDATE SET
			iv = excluded.iv,
			ciphertext = excluded.ciphertext,
			ts = excluded.ts,
			updated_at = excluded.updated_at
	`, string(store), id, iv, ciphertext, ts, now, now)
	if err != nil {
		return fmt.Errorf("failed to store row: %w", err)
	}
	return nil
}

// InsertIfAbsent encrypts and inserts the row only when the id does not
// already exist, inside one transaction so that concurrent inserts of the
// same id cannot race into a duplicate write. Returns false when the row
// already existed; the existing row is left untouched.
func (v *Vault) InsertIfAbsent(ctx context.Context, store Store, id string, key, plaintext, aad []byte, ts sql.NullInt64) (bool, error) {
	if !store.Valid() {
		return false, errs.Validation("store", "unknown store")
	}
	if id == "" {
		return false, errs.Validation("id", "must not be empty")
	}

	iv, ciphertext, err := crypto.Seal(key, plaintext, aad)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt row: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM rows WHERE store = ? AND id = ?`, string(store), id).Scan(&exists)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check row: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rows (store, id, iv, ciphertext, ts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(store), id, iv, ciphertext, ts, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit insert: %w", err)
	}
	return true, nil
}

// UpdateRow applies mutate to a row's plaintext inside one transaction:
// read, decrypt, mutate, re-encrypt, write. Concurrent updates to the
// same id serialize instead of losing one mutation. Returns
// errs.ErrNotFound when the id does not exist. mutate must not call back
// into the vault.
func (v *Vault) UpdateRow(ctx context.Context, store Store, id string, key, aad []byte, mutate func(plaintext []byte) ([]byte, error)) error {
	if !store.Valid() {
		return errs.Validation("store", "unknown store")
	}
	if id == "" {
		return errs.Validation("id", "must not be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var iv, ciphertext []byte
	err = tx.QueryRowContext(ctx,
		`SELECT iv, ciphertext FROM rows WHERE store = ? AND id = ?`,
		string(store), id).Scan(&iv, &ciphertext)
	if err == sql.ErrNoRows {
		return errs.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read row: %w", err)
	}

	plaintext, err := crypto.Open(key, iv, ciphertext, aad)
	if err != nil {
		return err
	}
	updated, err := mutate(plaintext)
	if err != nil {
		return err
	}

	newIV, newCiphertext, err := crypto.Seal(key, updated, aad)
	if err != nil {
		return fmt.Errorf("failed to encrypt row: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE rows SET iv = ?, ciphertext = ?, updated_at = ?
		WHERE store = ? AND id = ?
	`, newIV, newCiphertext, time.Now().Unix(), string(store), id)
	if err != nil {
		return fmt.Errorf("failed to update row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

// Get decrypts and returns the row's plaintext, or (nil, nil) when the id
// does not exist. Authentication failure surfaces as errs.ErrIntegrity,
// never as plaintext.
func (v *Vault) Get(ctx context.Context, store Store, id string, key, aad []byte) ([]byte, error) {
	if !store.Valid() {
		return nil, errs.Validation("store", "unknown store")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var iv, ciphertext []byte
	err := v.db.QueryRowContext(ctx,
		`SELECT iv, ciphertext FROM rows WHERE store = ? AND id = ?`,
		string(store), id).Scan(&iv, &ciphertext)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row: %w", err)
	}

	return crypto.Open(key, iv, ciphertext, aad)
}

// Has reports whether a row exists without touching its ciphertext.
func (v *Vault) Has(ctx context.Context, store Store, id string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var one int
	err := v.db.QueryRowContext(ctx,
		`SELECT 1 FROM rows WHERE store = ? AND id = ?`, string(store), id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check row: %w", err)
	}
	return true, nil
}

// Delete removes a row by id. Deleting a missing id is not an error.
func (v *Vault) Delete(ctx context.Context, store Store, id string) error {
	if !store.Valid() {
		return errs.Validation("store", "unknown store")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.db.ExecContext(ctx,
		`DELETE FROM rows WHERE store = ? AND id = ?`, string(store), id); err != nil {
		return fmt.Errorf("failed to delete row: %w", err)
	}
	return nil
}

// Rows returns every row of a store in insertion order, ciphertext and
// all. This is the raw export surface the backup pipeline serializes.
func (v *Vault) Rows(ctx context.Context, store Store) ([]Row, error) {
	if !store.Valid() {
		return nil, errs.Validation("store", "unknown store")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	rows, err := v.db.QueryContext(ctx, `
		SELECT id, iv, ciphertext, ts, created_at, updated_at
		FROM rows WHERE store = ? ORDER BY created_at ASC, id ASC
	`, string(store))
	if err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// Cursor marks a position in the time index for keyset pagination. The
// zero cursor means "start from the newest row".
type Cursor struct {
	Timestamp int64
	ID        string
}

// ScanByTime returns a store's indexed rows newest-first, bounded by the
// optional before/after timestamps (exclusive). A zero bound is open.
func (v *Vault) ScanByTime(ctx context.Context, store Store, before, after int64) ([]Row, error) {
	return v.ScanPage(ctx, store, before, after, Cursor{}, 0)
}

// ScanPage is ScanByTime with keyset pagination: rows are ordered
// (ts DESC, id DESC), the cursor's position is excluded, and at most
// limit rows are read from the index (0 means unlimited). Callers page
// through a large store by passing the last returned row's (ts, id) as
// the next cursor.
func (v *Vault) ScanPage(ctx context.Context, store Store, before, after int64, cur Cursor, limit int) ([]Row, error) {
	if !store.Valid() {
		return nil, errs.Validation("store", "unknown store")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	query := `SELECT id, iv, ciphertext, ts, created_at, updated_at
		FROM rows WHERE store = ? AND ts IS NOT NULL`
	args := []any{string(store)}
	if before > 0 {
		query += ` AND ts < ?`
		args = append(args, before)
	}
	if after > 0 {
		query += ` AND ts > ?`
		args = append(args, after)
	}
	if cur.ID != "" {
		query += ` AND (ts < ? OR (ts = ? AND id < ?))`
		args = append(args, cur.Timestamp, cur.Timestamp, cur.ID)
	}
	query += ` ORDER BY ts DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan rows: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// ReplaceAll atomically replaces the entire vault contents with the given
// rows. Either every store is replaced or none is; a failed commit leaves
// the previous contents intact.
func (v *Vault) ReplaceAll(ctx context.Context, contents map[Store][]Row) error {
	for store := range contents {
		if !store.Valid() {
			return errs.Validation("store", "unknown store")
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rows`); err != nil {
		return fmt.Errorf("failed to clear rows: %w", err)
	}

	for store, storeRows := range contents {
		for _, r := range storeRows {
			ts := sql.NullInt64{}
			if r.Timestamp != 0 {
				ts = sql.NullInt64{Int64: r.Timestamp, Valid: true}
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO rows (store, id, iv, ciphertext, ts, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, string(store), r.ID, r.IV, r.Ciphertext, ts, r.CreatedAt, r.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert row %q into %s: %w", r.ID, store, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replacement: %w", err)
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		var ts sql.NullInt64
		if err := rows.Scan(&r.ID, &r.IV, &r.Ciphertext, &ts, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if ts.Valid {
			r.Timestamp = ts.Int64
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}
