package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/chainmail-im/chainmail/internal/crypto"
	"github.com/chainmail-im/chainmail/internal/errs"
	"github.com/chainmail-im/chainmail/internal/message"
)

const (
	inboxSubjectPrefix   = "chainmail.inbox."
	directorySubject     = "chainmail.directory.lookup"
	defaultLookupTimeout = 5 * time.Second
)

// NATSConfig configures the network transport.
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWaitMS int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	LookupTimeoutMS int    `yaml:"lookup_timeout_ms"`
}

// frame is the CBOR wire format carried in a NATS message. The id is a
// transport-level delivery id, not the content-addressed message id; it
// exists for tracing and is never trusted for dedup.
type frame struct {
	ID       string            `cbor:"id"`
	SentAt   int64             `cbor:"sent_at"`
	Envelope *message.Envelope `cbor:"envelope"`
}

// directoryRequest asks the key directory service for an address's
// published X25519 public key.
type directoryRequest struct {
	Address string `cbor:"address"`
}

type directoryResponse struct {
	Address   string `cbor:"address"`
	PublicKey []byte `cbor:"public_key,omitempty"`
}

// NATS is the network transport. One subscription on the local address's
// inbox subject fans inbound envelopes out to every registered handler.
type NATS struct {
	cfg NATSConfig

	mu          sync.Mutex
	conn        *nats.Conn
	sub         *nats.Subscription
	status      Status
	lastErr     error
	address     string
	handlers    map[int]Handler
	nextHandler int
}

// NewNATS creates an unconnected transport.
func NewNATS(cfg NATSConfig) *NATS {
	return &NATS{
		cfg:      cfg,
		status:   StatusDisconnected,
		handlers: make(map[int]Handler),
	}
}

// Status reports the connection state.
func (t *NATS) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err reports the last connection-level failure, if any.
func (t *NATS) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Connect dials the server and subscribes to the inbox subject for
// address. Reconnects are handled by the client; handlers registered
// before or after Connect both receive envelopes.
func (t *NATS) Connect(ctx context.Context, address string) error {
	if err := crypto.ValidateAddress("address", address); err != nil {
		return &Error{Code: CodeConnectFailed, Op: "connect", Err: err}
	}

	t.mu.Lock()
	if t.status == StatusConnected {
		t.mu.Unlock()
		return nil
	}
	t.status = StatusConnecting
	t.address = crypto.NormalizeAddress(address)
	t.mu.Unlock()

	opts := []nats.Option{
		nats.Name("chainmail-client"),
		nats.ReconnectWait(time.Duration(t.cfg.ReconnectWaitMS) * time.Millisecond),
		nats.MaxReconnects(t.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Transport disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Transport reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("Transport connection closed")
		}),
	}
	if t.cfg.CredentialsFile != "" {
		if _, err := os.Stat(t.cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(t.cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		code := CodeConnectFailed
		if errors.Is(err, nats.ErrAuthorization) {
			code = CodeAuthFailed
		}
		t.fail(err)
		return &Error{Code: code, Op: "connect", Err: err}
	}

	sub, err := conn.Subscribe(inboxSubjectPrefix+t.inboxToken(), t.dispatch)
	if err != nil {
		conn.Close()
		t.fail(err)
		return &Error{Code: CodeSubscribeFailed, Op: "connect", Err: err}
	}

	t.mu.Lock()
	t.conn = conn
	t.sub = sub
	t.status = StatusConnected
	t.lastErr = nil
	t.mu.Unlock()

	log.Info().Str("url", conn.ConnectedUrl()).Msg("Transport connected")
	return nil
}

// dispatch decodes one inbound frame and fans it out. Malformed frames
// and invalid envelopes are dropped here, before any handler runs.
func (t *NATS) dispatch(msg *nats.Msg) {
	var f frame
	if err := cbor.Unmarshal(msg.Data, &f); err != nil {
		log.Warn().Err(err).Msg("Dropped undecodable frame")
		return
	}
	if f.Envelope == nil || f.Envelope.Validate() != nil {
		log.Warn().Str("delivery_id", f.ID).Msg("Dropped invalid envelope")
		return
	}

	t.mu.Lock()
	handlers := make([]Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(f.Envelope)
	}
}

// Send publishes the envelope to the recipient's inbox subject.
func (t *NATS) Send(ctx context.Context, env *message.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.status == StatusConnected
	t.mu.Unlock()

	if !connected || conn == nil {
		return &Error{Code: CodeNotConnected, Op: "send"}
	}
	if err := env.Validate(); err != nil {
		return &Error{Code: CodeInvalidEnvelope, Op: "send", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := cbor.Marshal(frame{
		ID:       uuid.NewString(),
		SentAt:   time.Now().UnixMilli(),
		Envelope: env,
	})
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	subject := inboxSubjectPrefix + subjectToken(env.To)
	if err := conn.Publish(subject, data); err != nil {
		return &Error{Code: CodeSendFailed, Op: "send", Err: err}
	}
	return nil
}

// Subscribe registers a handler for inbound envelopes and returns its
// unsubscribe function. Safe before Connect.
func (t *NATS) Subscribe(handler Handler) (func(), error) {
	if handler == nil {
		return nil, errs.Validation("handler", "must not be nil")
	}

	t.mu.Lock()
	id := t.nextHandler
	t.nextHandler++
	t.handlers[id] = handler
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.handlers, id)
		t.mu.Unlock()
	}, nil
}

// Disconnect drains the subscription and closes the connection.
// Idempotent.
func (t *NATS) Disconnect() error {
	t.mu.Lock()
	conn, sub := t.conn, t.sub
	t.conn, t.sub = nil, nil
	t.status = StatusDisconnected
	t.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

// PeerKeys exposes the directory lookup backed by a request/reply
// service on the directory subject.
func (t *NATS) PeerKeys() PeerDirectory { return (*natsDirectory)(t) }

type natsDirectory NATS

// PeerPublicKey asks the directory service for the peer's published key.
// No responder or an empty response means the peer has not published a
// key, which is (nil, nil), not an error.
func (d *natsDirectory) PeerPublicKey(ctx context.Context, address string) ([]byte, error) {
	if err := crypto.ValidateAddress("address", address); err != nil {
		return nil, err
	}

	t := (*NATS)(d)
	t.mu.Lock()
	conn := t.conn
	connected := t.status == StatusConnected
	t.mu.Unlock()
	if !connected || conn == nil {
		return nil, &Error{Code: CodeNotConnected, Op: "peer lookup"}
	}

	req, err := cbor.Marshal(directoryRequest{Address: crypto.NormalizeAddress(address)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode lookup: %w", err)
	}

	timeout := defaultLookupTimeout
	if t.cfg.LookupTimeoutMS > 0 {
		timeout = time.Duration(t.cfg.LookupTimeoutMS) * time.Millisecond
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	msg, err := conn.Request(directorySubject, req, timeout)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, &Error{Code: CodeSendFailed, Op: "peer lookup", Err: err}
	}

	var resp directoryResponse
	if err := cbor.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode lookup response: %w", err)
	}
	if len(resp.PublicKey) == 0 {
		return nil, nil
	}
	if len(resp.PublicKey) != crypto.KeySize {
		return nil, errs.ErrIntegrity
	}
	return resp.PublicKey, nil
}

func (t *NATS) inboxToken() string {
	return subjectToken(t.address)
}

// subjectToken maps an address to its inbox subject token. Addresses are
// lowercased so casing can never split a peer across subjects.
func subjectToken(address string) string {
	return strings.TrimPrefix(crypto.NormalizeAddress(address), "0x")
}

func (t *NATS) fail(err error) {
	t.mu.Lock()
	t.status = StatusError
	t.lastErr = err
	t.mu.Unlock()
}
