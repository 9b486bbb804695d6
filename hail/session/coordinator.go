package session

import (
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/TheusHen/hail/hail/crypto"
	"github.com/TheusHen/hail/hail/identity"
	"github.com/TheusHen/hail/hail/protocol"
	"github.com/TheusHen/hail/hail/transport"
)

var (
	ErrNoTransport      = errors.New("session: no underlying transport")
	ErrNoIdentity       = errors.New("session: signed mode requires a certificate bundle")
	ErrNotEstablished   = errors.New("session: no secure channel for peer")
	ErrPayloadTooLarge  = errors.New("session: payload exceeds working buffer")
	ErrModeMismatch     = errors.New("session: offer sign mode differs from local mode")
	ErrHandshakeTimeout = errors.New("session: handshake timed out")
	ErrNotStarted       = errors.New("session: coordinator not started")
)

// DefaultHandshakeTimeout bounds how long an acceptor waits for the response
// to its offer.
const DefaultHandshakeTimeout = 10 * time.Second

// Config configures a Coordinator.
type Config struct {
	// Transport carries the frames. Required.
	Transport transport.Transport

	// Signed selects the authenticated exchange. Both ends must agree.
	Signed bool

	// CertificateBundle is the acceptor identity as produced by
	// identity.(*Identity).Bundle. Only needed to serve in signed mode.
	CertificateBundle string

	// TrustRoots, when set, makes the initiator require that offered
	// certificates chain to one of these roots.
	TrustRoots *x509.CertPool

	// HandshakeTimeout defaults to DefaultHandshakeTimeout. A negative value
	// disables the deadline.
	HandshakeTimeout time.Duration

	Logger  *log.Logger
	Metrics *Metrics
}

// Coordinator runs the hail handshake over a wrapped transport and encrypts
// everything sent afterwards. It implements transport.Transport itself, so
// an application drives it exactly like the transport underneath: call Poll
// in a loop and Send to connected peers.
//
// Events surfaced by Poll differ from the wrapped transport's: Connected is
// reported only once a channel is established, Data carries decrypted
// payloads, and handshake frames never reach the caller.
type Coordinator struct {
	mu sync.Mutex

	tr       transport.Transport
	signed   bool
	id       *identity.Identity
	roots    *x509.CertPool
	timeout  time.Duration
	log      *log.Logger
	metrics  *Metrics
	reg      *Registry
	now      func() time.Time
	started  bool
	role     crypto.Role
	surfaced map[transport.PeerID]struct{}
}

var _ transport.Transport = (*Coordinator)(nil)

// NewCoordinator validates cfg. A malformed certificate bundle is reported
// here rather than at the first connection.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	c := &Coordinator{
		tr:       cfg.Transport,
		signed:   cfg.Signed,
		roots:    cfg.TrustRoots,
		timeout:  cfg.HandshakeTimeout,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		reg:      NewRegistry(),
		now:      time.Now,
		surfaced: map[transport.PeerID]struct{}{},
	}
	if c.timeout == 0 {
		c.timeout = DefaultHandshakeTimeout
	}
	if c.log == nil {
		c.log = log.New(os.Stderr, "hail: ", log.LstdFlags)
	}
	if cfg.CertificateBundle != "" {
		id, err := identity.ParseBundle(cfg.CertificateBundle)
		if err != nil {
			return nil, fmt.Errorf("session: load certificate bundle: %w", err)
		}
		c.id = id
	}
	c.reg.now = func() time.Time { return c.now() }
	return c, nil
}

// Identity returns the loaded certificate identity, or nil.
func (c *Coordinator) Identity() *identity.Identity { return c.id }

func (c *Coordinator) Signed() bool { return c.signed }

func (c *Coordinator) Initialize() error {
	return c.tr.Initialize()
}

// Shutdown drops every peer and shuts the wrapped transport down.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.reg.Peers() {
		c.forgetLocked(p)
	}
	c.started = false
	return c.tr.Shutdown()
}

func (c *Coordinator) StartAsServer() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signed && c.id == nil {
		return ErrNoIdentity
	}
	if err := c.tr.StartAsServer(); err != nil {
		return err
	}
	c.started = true
	c.role = crypto.Acceptor
	return nil
}

func (c *Coordinator) StartAsClient() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// The role must be set before the transport can report the connection.
	c.role = crypto.Initiator
	c.started = true
	if err := c.tr.StartAsClient(); err != nil {
		c.started = false
		return err
	}
	return nil
}

// Send encrypts payload for peer. Data frames always travel
// ReliableOrdered whatever mode asks for: both keystreams advance per byte
// and a lost or reordered frame would desynchronize them.
func (c *Coordinator) Send(peer transport.PeerID, payload []byte, mode transport.DeliveryMode) error {
	if len(payload) > protocol.MaxPayload {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), protocol.MaxPayload)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.reg.Channel(peer)
	if !ok {
		return ErrNotEstablished
	}
	ct, err := ch.Seal(payload)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeData(ct)
	if err != nil {
		return err
	}
	if mode != transport.ReliableOrdered {
		c.log.Printf("%s: %s send upgraded to %s", peer, mode, transport.ReliableOrdered)
	}
	if err := c.tr.Send(peer, frame, transport.ReliableOrdered); err != nil {
		// The send keystream already advanced past this frame.
		c.forgetLocked(peer)
		_ = c.tr.DisconnectPeer(peer)
		return err
	}
	c.metrics.bytes("out", len(payload))
	return nil
}

// Poll processes at most one event of the wrapped transport and returns the
// resulting upward event, which is EventNone when the event was consumed by
// the handshake.
func (c *Coordinator) Poll() transport.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev, ok := c.sweepLocked(); ok {
		return ev
	}

	ev := c.tr.Poll()
	switch ev.Kind {
	case transport.EventNone:
		return ev
	case transport.EventConnected:
		return c.onConnected(ev.Peer)
	case transport.EventDisconnected:
		c.forgetLocked(ev.Peer)
		return ev
	case transport.EventConnectFailed:
		c.forgetLocked(ev.Peer)
		return ev
	case transport.EventData:
		return c.onFrame(ev.Peer, ev.Data)
	default:
		c.log.Printf("%s: ignoring transport event %s", ev.Peer, ev.Kind)
		return transport.Event{}
	}
}

// DisconnectPeer drops the peer's entry, then asks the transport to close
// the connection.
func (c *Coordinator) DisconnectPeer(peer transport.PeerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetLocked(peer)
	return c.tr.DisconnectPeer(peer)
}

func (c *Coordinator) RoundTripTime(peer transport.PeerID) (time.Duration, error) {
	return c.tr.RoundTripTime(peer)
}

// SharedSecret returns a copy of the raw key agreement output for an
// established peer. It is meant for diagnostics.
func (c *Coordinator) SharedSecret(peer transport.PeerID) ([]byte, error) {
	s, ok := c.reg.SharedSecret(peer)
	if !ok {
		return nil, ErrNotEstablished
	}
	return s, nil
}

// State reports the handshake state of peer.
func (c *Coordinator) State(peer transport.PeerID) State {
	return c.reg.State(peer)
}

// Peers returns every peer with a registry entry.
func (c *Coordinator) Peers() []transport.PeerID {
	return c.reg.Peers()
}

func (c *Coordinator) onConnected(peer transport.PeerID) transport.Event {
	if !c.started {
		c.drop(peer, "not started", ErrNotStarted)
		return transport.Event{}
	}
	if c.role == crypto.Initiator {
		// The acceptor speaks first.
		return transport.Event{}
	}
	if st := c.reg.State(peer); st != StateNone {
		c.drop(peer, "duplicate connect", fmt.Errorf("%w: %s", ErrWrongState, st))
		return transport.Event{}
	}

	ex, cert, err := c.newOfferExchange()
	if err != nil {
		return c.failLocked(peer, err)
	}
	frame, err := protocol.EncodeOffer(ex.PublicPart(), cert, c.signed)
	if err != nil {
		ex.Destroy()
		return c.failLocked(peer, err)
	}
	if err := c.reg.Open(peer, ex); err != nil {
		ex.Destroy()
		return c.failLocked(peer, err)
	}
	c.metrics.peers(c.reg.Len())
	if err := c.tr.Send(peer, frame, transport.ReliableOrdered); err != nil {
		return c.failLocked(peer, err)
	}
	return transport.Event{}
}

func (c *Coordinator) newOfferExchange() (crypto.KeyExchange, []byte, error) {
	if !c.signed {
		ex, err := crypto.NewX25519Exchange()
		return ex, nil, err
	}
	if c.id == nil {
		return nil, nil, ErrNoIdentity
	}
	ex, err := crypto.NewSignedExchange(c.id)
	return ex, c.id.DER(), err
}

func (c *Coordinator) onFrame(peer transport.PeerID, frame []byte) transport.Event {
	m, err := protocol.Decode(frame)
	if err != nil {
		c.drop(peer, "malformed", err)
		return transport.Event{}
	}

	switch m.Type {
	case protocol.MessageTypeOffer:
		return c.onOffer(peer, m)
	case protocol.MessageTypeResponse:
		return c.onResponse(peer, m)
	case protocol.MessageTypeReady:
		return c.onReady(peer)
	case protocol.MessageTypeData:
		return c.onData(peer, m.Payload)
	}
	return transport.Event{}
}

func (c *Coordinator) onOffer(peer transport.PeerID, m protocol.Message) transport.Event {
	if !c.started || c.role != crypto.Initiator {
		c.drop(peer, "unexpected", fmt.Errorf("%w: offer received by %s", ErrWrongState, c.role))
		return transport.Event{}
	}
	if st := c.reg.State(peer); st != StateNone {
		c.drop(peer, "unexpected", fmt.Errorf("%w: offer while %s", ErrWrongState, st))
		return transport.Event{}
	}
	if m.Signed != c.signed {
		c.log.Printf("%s: offer signed=%t, local signed=%t: %v", peer, m.Signed, c.signed, ErrModeMismatch)
		c.metrics.handshake(crypto.Initiator.String(), ResultMismatch, 0)
		c.metrics.dropped("mode_mismatch")
		return transport.Event{}
	}

	if m.Signed {
		ex, err := crypto.NewVerifiedExchange(m.Certificate, c.roots)
		if err != nil {
			return c.failLocked(peer, err)
		}
		c.log.Printf("%s: offer signed by %s", peer, identity.FingerprintOf(m.Certificate).Short())
		return c.answerOffer(peer, ex, m.PublicKey)
	}
	ex, err := crypto.NewX25519Exchange()
	if err != nil {
		return c.failLocked(peer, err)
	}
	return c.answerOffer(peer, ex, m.PublicKey)
}

func (c *Coordinator) answerOffer(peer transport.PeerID, ex crypto.KeyExchange, offered []byte) transport.Event {
	secret, err := ex.SharedSecret(offered)
	reply := ex.PublicPart()
	ex.Destroy()
	if err != nil {
		return c.failLocked(peer, err)
	}
	defer wipe(secret)

	ch, err := establish(secret, crypto.Initiator)
	if err != nil {
		return c.failLocked(peer, err)
	}
	frame, err := protocol.EncodeResponse(reply)
	if err != nil {
		return c.failLocked(peer, err)
	}
	if err := c.reg.Adopt(peer, ch, secret); err != nil {
		return c.failLocked(peer, err)
	}
	c.metrics.peers(c.reg.Len())
	if err := c.tr.Send(peer, frame, transport.ReliableOrdered); err != nil {
		return c.failLocked(peer, err)
	}
	return transport.Event{}
}

func (c *Coordinator) onResponse(peer transport.PeerID, m protocol.Message) transport.Event {
	if c.role != crypto.Acceptor || c.reg.State(peer) != StateAwaitingHailResponse {
		c.drop(peer, "unexpected", fmt.Errorf("%w: response while %s", ErrWrongState, c.reg.State(peer)))
		return transport.Event{}
	}
	age, _ := c.reg.Age(peer)

	err := c.reg.Promote(peer, func(ex crypto.KeyExchange) (*crypto.SecureChannel, []byte, error) {
		secret, err := ex.SharedSecret(m.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		ch, err := establish(secret, crypto.Acceptor)
		if err != nil {
			wipe(secret)
			return nil, nil, err
		}
		return ch, secret, nil
	})
	if err != nil {
		return c.failLocked(peer, err)
	}
	if err := c.tr.Send(peer, protocol.EncodeReady(), transport.ReliableOrdered); err != nil {
		return c.failLocked(peer, err)
	}
	c.surfaced[peer] = struct{}{}
	c.metrics.handshake(crypto.Acceptor.String(), ResultEstablished, age)
	return transport.Event{Kind: transport.EventConnected, Peer: peer}
}

func (c *Coordinator) onReady(peer transport.PeerID) transport.Event {
	_, announced := c.surfaced[peer]
	if c.role != crypto.Initiator || c.reg.State(peer) != StateConnected || announced {
		c.drop(peer, "unexpected", fmt.Errorf("%w: ready while %s", ErrWrongState, c.reg.State(peer)))
		return transport.Event{}
	}
	age, _ := c.reg.Age(peer)
	c.surfaced[peer] = struct{}{}
	c.metrics.handshake(crypto.Initiator.String(), ResultEstablished, age)
	return transport.Event{Kind: transport.EventConnected, Peer: peer}
}

func (c *Coordinator) onData(peer transport.PeerID, ciphertext []byte) transport.Event {
	ch, ok := c.reg.Channel(peer)
	if !ok {
		c.drop(peer, "not established", ErrNotEstablished)
		return transport.Event{}
	}
	pt, err := ch.Open(ciphertext)
	if err != nil {
		return c.failLocked(peer, err)
	}
	c.metrics.bytes("in", len(pt))
	return transport.Event{Kind: transport.EventData, Peer: peer, Data: pt}
}

// sweepLocked fails the first handshake found past its deadline.
func (c *Coordinator) sweepLocked() (transport.Event, bool) {
	if c.timeout < 0 || c.role != crypto.Acceptor {
		return transport.Event{}, false
	}
	stale := c.reg.Stale(c.now().Add(-c.timeout))
	if len(stale) == 0 {
		return transport.Event{}, false
	}
	peer := stale[0]
	c.log.Printf("%s: no response within %s", peer, c.timeout)
	c.forgetLocked(peer)
	if err := c.tr.DisconnectPeer(peer); err != nil && !errors.Is(err, transport.ErrUnknownPeer) {
		c.log.Printf("%s: disconnect: %v", peer, err)
	}
	c.metrics.handshake(c.role.String(), ResultTimeout, c.timeout)
	return transport.Event{Kind: transport.EventConnectFailed, Peer: peer, Err: ErrHandshakeTimeout}, true
}

// failLocked tears the peer down after a cryptographic or transport failure
// and builds the upward event.
func (c *Coordinator) failLocked(peer transport.PeerID, err error) transport.Event {
	c.log.Printf("%s: handshake failed: %v", peer, err)
	if c.reg.State(peer) != StateConnected {
		c.metrics.handshake(c.role.String(), ResultFailed, 0)
	}
	c.forgetLocked(peer)
	if derr := c.tr.DisconnectPeer(peer); derr != nil && !errors.Is(derr, transport.ErrUnknownPeer) {
		c.log.Printf("%s: disconnect: %v", peer, derr)
	}
	return transport.Event{Kind: transport.EventConnectFailed, Peer: peer, Err: err}
}

func (c *Coordinator) forgetLocked(peer transport.PeerID) {
	c.reg.Remove(peer)
	delete(c.surfaced, peer)
	c.metrics.peers(c.reg.Len())
}

func (c *Coordinator) drop(peer transport.PeerID, reason string, err error) {
	c.log.Printf("%s: dropped message (%s): %v", peer, reason, err)
	c.metrics.dropped(reason)
}

func establish(secret []byte, role crypto.Role) (*crypto.SecureChannel, error) {
	p, err := crypto.DeriveCipherParams(secret)
	if err != nil {
		return nil, err
	}
	defer p.Wipe()
	return crypto.NewSecureChannel(p, role)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
