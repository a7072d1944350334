// Package message implements the wire envelope, the content-addressed
// message id, and the encrypted append-only message repository.
package message

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chainmail-im/chainmail/internal/crypto"
)

// ProtocolVersion is the single envelope version this build understands.
// Envelopes carrying any other version are rejected, never coerced.
const ProtocolVersion = 1

// envelopeAADLabel is always bound into the body AEAD so message
// ciphertexts cannot be substituted into other contexts. An envelope's
// optional aad bytes are appended to it.
const envelopeAADLabel = "chainmail/envelope/v1"

// ErrInvalidEnvelope is the generic rejection for any envelope that fails
// schema validation. Deliberately detail-free: envelopes arrive from
// outside the trust boundary and validation failures are not a debugging
// channel.
var ErrInvalidEnvelope = errors.New("invalid message envelope")

// ErrTampered is returned when a stored message decrypts but its content
// no longer matches the id it was stored under.
var ErrTampered = errors.New("message content does not match its id")

// Envelope is the message wire format. All binary fields are hex-encoded;
// From and To are checksummed addresses.
type Envelope struct {
	V          int    `json:"v"`
	From       string `json:"from"`
	To         string `json:"to"`
	Timestamp  string `json:"timestamp"`
	Nonce      string `json:"nonce"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	AAD        string `json:"aad,omitempty"`
}

// Validate checks the envelope schema: version, address shapes, ISO-8601
// timestamp, 16-byte nonce, 12-byte IV, non-empty ciphertext, optional
// hex aad. Any violation yields ErrInvalidEnvelope.
func (e *Envelope) Validate() error {
	if e == nil || e.V != ProtocolVersion {
		return ErrInvalidEnvelope
	}
	if !crypto.ValidAddress(e.From) || !crypto.ValidAddress(e.To) {
		return ErrInvalidEnvelope
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return ErrInvalidEnvelope
	}
	nonce, err := hex.DecodeString(e.Nonce)
	if err != nil || len(nonce) != crypto.NonceSize {
		return ErrInvalidEnvelope
	}
	iv, err := hex.DecodeString(e.IV)
	if err != nil || len(iv) != crypto.IVSize {
		return ErrInvalidEnvelope
	}
	ct, err := hex.DecodeString(e.Ciphertext)
	if err != nil || len(ct) < 1 {
		return ErrInvalidEnvelope
	}
	if e.AAD != "" {
		if _, err := hex.DecodeString(e.AAD); err != nil {
			return ErrInvalidEnvelope
		}
	}
	return nil
}

// ID computes the deterministic content-addressed message id:
// SHA-256(nonce bytes ‖ ciphertext bytes), hex-encoded. Identical
// envelopes always yield identical ids; this is the dedup key and the
// tamper-evidence anchor.
func (e *Envelope) ID() (string, error) {
	nonce, err := hex.DecodeString(e.Nonce)
	if err != nil {
		return "", ErrInvalidEnvelope
	}
	ct, err := hex.DecodeString(e.Ciphertext)
	if err != nil {
		return "", ErrInvalidEnvelope
	}
	return crypto.SHA256Hex(nonce, ct), nil
}

// Seal encrypts body under the conversation key and builds a complete
// envelope from sender to recipient. extraAAD, when non-nil, is carried
// hex-encoded in the envelope and bound into the AEAD alongside the fixed
// domain label.
func Seal(key []byte, from, to string, body, extraAAD []byte) (*Envelope, error) {
	if err := crypto.ValidateAddress("from", from); err != nil {
		return nil, err
	}
	if err := crypto.ValidateAddress("to", to); err != nil {
		return nil, err
	}

	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}

	iv, ciphertext, err := crypto.Seal(key, body, bodyAAD(extraAAD))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message body: %w", err)
	}

	fromSum, err := crypto.ChecksumAddress(from)
	if err != nil {
		return nil, err
	}
	toSum, err := crypto.ChecksumAddress(to)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		V:          ProtocolVersion,
		From:       fromSum,
		To:         toSum,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Nonce:      hex.EncodeToString(nonce),
		IV:         hex.EncodeToString(iv),
		Ciphertext: hex.EncodeToString(ciphertext),
	}
	if extraAAD != nil {
		env.AAD = hex.EncodeToString(extraAAD)
	}
	return env, nil
}

// Open decrypts the envelope body with the conversation key.
func (e *Envelope) Open(key []byte) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	iv, _ := hex.DecodeString(e.IV)
	ct, _ := hex.DecodeString(e.Ciphertext)
	var extra []byte
	if e.AAD != "" {
		extra, _ = hex.DecodeString(e.AAD)
	}
	return crypto.Open(key, iv, ct, bodyAAD(extra))
}

func bodyAAD(extra []byte) []byte {
	aad := []byte(envelopeAADLabel)
	return append(aad, extra...)
}

// marshal round-trips for the storage wrapper.

func encodeEnvelope(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &e, nil
}
