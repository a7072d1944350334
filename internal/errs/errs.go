// Package errs defines the error taxonomy shared by the chainmail core.
// Validation failures carry the offending field; integrity failures never
// reveal whether the key was wrong or the ciphertext was modified.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing row, contact, or message.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity indicates an AEAD authentication failure: wrong key,
	// tampering, or corruption. The layers above may narrow the diagnosis
	// with secondary checks but the primitive cannot.
	ErrIntegrity = errors.New("integrity check failed")
)

// ValidationError reports a malformed input, naming the offending field.
// The reason is a fixed vocabulary and never echoes the input value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for the given field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CriticalError marks a failure after the point of no return, such as a
// restore that fails partway through writing validated rows.
type CriticalError struct {
	Op  string
	Err error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("critical: %s: %v", e.Op, e.Err)
}

func (e *CriticalError) Unwrap() error { return e.Err }

// Critical wraps err as a CriticalError for the named operation.
func Critical(op string, err error) error {
	return &CriticalError{Op: op, Err: err}
}

// IsCritical reports whether err is (or wraps) a CriticalError.
func IsCritical(err error) bool {
	var ce *CriticalError
	return errors.As(err, &ce)
}
