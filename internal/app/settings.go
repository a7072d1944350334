package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
	"github.com/chainmail-im/chainmail/internal/keyring"
	"github.com/chainmail-im/chainmail/internal/vault"
)

const settingsAADLabel = "chainmail/setting/v1"

// Settings is typed access to small preference values in the settings
// store, encrypted like everything else. Keys are hashed into row ids so
// preference names never appear in plaintext.
type Settings struct {
	vault   *vault.Vault
	session *keyring.Session
}

// Settings returns the settings accessor for the current session.
func (m *Messenger) Settings() (*Settings, error) {
	session := m.keys.Session()
	if session == nil {
		return nil, keyring.ErrLocked
	}
	return &Settings{vault: m.vault, session: session}, nil
}

type settingRecord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PutString stores a string preference under name.
func (s *Settings) PutString(ctx context.Context, name, value string) error {
	if name == "" {
		return errs.Validation("name", "must not be empty")
	}
	dsk, err := s.session.StorageKey()
	if err != nil {
		return err
	}
	blob, err := json.Marshal(settingRecord{Name: name, Value: value})
	if err != nil {
		return fmt.Errorf("failed to marshal setting: %w", err)
	}
	return s.vault.Put(ctx, vault.StoreSettings, settingID(name), dsk, blob, []byte(settingsAADLabel))
}

// GetString returns the preference value and whether it exists.
func (s *Settings) GetString(ctx context.Context, name string) (string, bool, error) {
	if name == "" {
		return "", false, errs.Validation("name", "must not be empty")
	}
	dsk, err := s.session.StorageKey()
	if err != nil {
		return "", false, err
	}
	blob, err := s.vault.Get(ctx, vault.StoreSettings, settingID(name), dsk, []byte(settingsAADLabel))
	if err != nil {
		return "", false, err
	}
	if blob == nil {
		return "", false, nil
	}
	var rec settingRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return "", false, fmt.Errorf("failed to parse setting: %w", err)
	}
	return rec.Value, true, nil
}

// Delete removes a preference. Deleting an absent name is not an error.
func (s *Settings) Delete(ctx context.Context, name string) error {
	if name == "" {
		return errs.Validation("name", "must not be empty")
	}
	return s.vault.Delete(ctx, vault.StoreSettings, settingID(name))
}

func settingID(name string) string {
	return crypto.SHA256Hex([]byte("setting"), []byte(name))
}
