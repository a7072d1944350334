// Package transport defines the delivery contract the messaging core
// consumes and its two conforming implementations: a NATS-backed network
// client and a deterministic in-memory hub for tests. Delivery is
// at-least-once; duplicate suppression is the message repository's job,
// not the transport's.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainmail-im/chainmail/internal/message"
)

// Status is the connection lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Code is a stable machine-readable error code shared by every transport
// implementation, so callers and tests never depend on a particular
// backend's error text.
type Code string

const (
	CodeNotConnected    Code = "NOT_CONNECTED"
	CodeInvalidEnvelope Code = "INVALID_ENVELOPE"
	CodeConnectFailed   Code = "CONNECT_FAILED"
	CodeAuthFailed      Code = "AUTH_FAILED"
	CodeSubscribeFailed Code = "SUBSCRIBE_FAILED"
	CodeSendFailed      Code = "SEND_FAILED"
)

// Error is a transport failure carrying its stable code.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the transport code from an error chain, or "" when the
// error is not a transport error.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Handler receives inbound envelopes. Handlers run on the transport's
// delivery goroutine and must not block.
type Handler func(env *message.Envelope)

// PeerDirectory is the optional key-lookup capability. Implementations
// return (nil, nil) for an address with no published key.
type PeerDirectory interface {
	PeerPublicKey(ctx context.Context, address string) ([]byte, error)
}

// Transport delivers envelopes between addresses. Send on a transport
// that is not connected fails with CodeNotConnected; sending a
// structurally invalid envelope fails with CodeInvalidEnvelope before any
// network traffic.
type Transport interface {
	Status() Status
	Err() error
	Connect(ctx context.Context, address string) error
	Send(ctx context.Context, env *message.Envelope) error
	Subscribe(handler Handler) (func(), error)
	Disconnect() error

	// PeerKeys returns the directory capability, or nil when this
	// transport cannot look up peer keys.
	PeerKeys() PeerDirectory
}
