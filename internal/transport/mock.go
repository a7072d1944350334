package transport

import (
	"context"
	"sync"

	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
	"github.com/chainmail-im/chainmail/internal/message"
)

// Hub is the in-memory network shared by mock transports. Delivery is
// synchronous and deterministic; with Redeliver set, every send is
// delivered twice to exercise at-least-once semantics.
type Hub struct {
	mu        sync.Mutex
	peers     map[string]*Mock
	keys      map[string][]byte
	Redeliver bool
}

// NewHub creates an empty in-memory network.
func NewHub() *Hub {
	return &Hub{
		peers: make(map[string]*Mock),
		keys:  make(map[string][]byte),
	}
}

// Attach creates a new unconnected mock transport on this hub.
func (h *Hub) Attach() *Mock {
	return &Mock{
		hub:      h,
		status:   StatusDisconnected,
		handlers: make(map[int]Handler),
	}
}

// PublishKey records an address's X25519 public key in the hub's
// directory, where any attached transport can look it up.
func (h *Hub) PublishKey(address string, publicKey []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys[crypto.NormalizeAddress(address)] = publicKey
}

func (h *Hub) deliver(to string, env *message.Envelope) {
	h.mu.Lock()
	peer := h.peers[crypto.NormalizeAddress(to)]
	redeliver := h.Redeliver
	h.mu.Unlock()
	if peer == nil {
		return
	}

	peer.dispatch(env)
	if redeliver {
		peer.dispatch(env)
	}
}

// Mock is a transport backed by a Hub instead of a network. It reproduces
// the real transport's error codes exactly so core tests stay
// transport-agnostic.
type Mock struct {
	hub *Hub

	mu          sync.Mutex
	status      Status
	lastErr     error
	address     string
	handlers    map[int]Handler
	nextHandler int

	sent []*message.Envelope
}

// Status reports the connection state.
func (m *Mock) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Err reports the last connection-level failure, if any.
func (m *Mock) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect registers the transport on the hub under address.
func (m *Mock) Connect(ctx context.Context, address string) error {
	if err := crypto.ValidateAddress("address", address); err != nil {
		return &Error{Code: CodeConnectFailed, Op: "connect", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	normalized := crypto.NormalizeAddress(address)
	m.mu.Lock()
	m.address = normalized
	m.status = StatusConnected
	m.lastErr = nil
	m.mu.Unlock()

	m.hub.mu.Lock()
	m.hub.peers[normalized] = m
	m.hub.mu.Unlock()
	return nil
}

// Send delivers the envelope synchronously to the recipient's handlers.
// Sending to an address with no attached transport silently drops the
// envelope, like a network would.
func (m *Mock) Send(ctx context.Context, env *message.Envelope) error {
	m.mu.Lock()
	connected := m.status == StatusConnected
	m.mu.Unlock()

	if !connected {
		return &Error{Code: CodeNotConnected, Op: "send"}
	}
	if err := env.Validate(); err != nil {
		return &Error{Code: CodeInvalidEnvelope, Op: "send", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.sent = append(m.sent, env)
	m.mu.Unlock()

	m.hub.deliver(env.To, env)
	return nil
}

// Sent returns every envelope this transport has accepted, in order.
func (m *Mock) Sent() []*message.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*message.Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}

// Subscribe registers a handler and returns its unsubscribe function.
func (m *Mock) Subscribe(handler Handler) (func(), error) {
	if handler == nil {
		return nil, errs.Validation("handler", "must not be nil")
	}

	m.mu.Lock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers[id] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}, nil
}

// Disconnect removes the transport from the hub. Idempotent.
func (m *Mock) Disconnect() error {
	m.mu.Lock()
	address := m.address
	m.status = StatusDisconnected
	m.mu.Unlock()

	if address != "" {
		m.hub.mu.Lock()
		if m.hub.peers[address] == m {
			delete(m.hub.peers, address)
		}
		m.hub.mu.Unlock()
	}
	return nil
}

// PeerKeys exposes the hub's directory.
func (m *Mock) PeerKeys() PeerDirectory { return mockDirectory{hub: m.hub} }

func (m *Mock) dispatch(env *message.Envelope) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

type mockDirectory struct {
	hub *Hub
}

// PeerPublicKey returns the key published for address, or (nil, nil).
func (d mockDirectory) PeerPublicKey(ctx context.Context, address string) ([]byte, error) {
	if err := crypto.ValidateAddress("address", address); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()
	return d.hub.keys[crypto.NormalizeAddress(address)], nil
}
