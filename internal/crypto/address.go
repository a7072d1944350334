package crypto

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/chainmail-im/chainmail/internal/errs"
)

var (
	addressPattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	signaturePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
)

// ValidAddress reports whether s has the shape of a wallet address:
// 0x followed by exactly 40 hex characters.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// ValidateAddress returns a ValidationError naming field when s is not a
// well-formed wallet address.
func ValidateAddress(field, s string) error {
	if !ValidAddress(s) {
		return errs.Validation(field, "must be a 0x-prefixed 40-character hex address")
	}
	return nil
}

// ValidateSignature returns a ValidationError when s does not have the
// shape of a 65-byte hex ECDSA signature. The signature is consumed as an
// opaque secret; it is never verified against a chain here.
func ValidateSignature(field, s string) error {
	if !signaturePattern.MatchString(s) {
		return errs.Validation(field, "must be a 0x-prefixed 65-byte hex signature")
	}
	return nil
}

// NormalizeAddress lowercases an address for use as a derivation input or
// identity key. Callers must validate the shape first.
func NormalizeAddress(s string) string {
	return strings.ToLower(s)
}

// ChecksumAddress returns the EIP-55 mixed-case checksum form of an
// address. Returns a ValidationError when the shape is wrong.
func ChecksumAddress(s string) (string, error) {
	if err := ValidateAddress("address", s); err != nil {
		return "", err
	}
	body := strings.ToLower(s[2:])
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(body))
	digest := hex.EncodeToString(h.Sum(nil))

	out := make([]byte, len(body))
	for i := range body {
		c := body[i]
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out), nil
}

// SameAddress reports whether two well-formed addresses refer to the same
// account, ignoring checksum casing.
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
