package quic

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/hail/hail/identity"
	"github.com/TheusHen/hail/hail/transport"
)

var (
	ErrNoAddr   = errors.New("quic: no address configured")
	ErrBadOpen  = errors.New("quic: peer did not open the stream")
	ErrPeerGone = errors.New("quic: peer connection closed")
)

const (
	DefaultPingInterval     = time.Second
	DefaultEventBuffer      = 256
	DefaultHandshakeTimeout = 10 * time.Second

	closeReason = "disconnect"

	// maxDatagram keeps unreliable sends inside one QUIC packet on common
	// paths. Larger unreliable sends go over the stream.
	maxDatagram = 1100
)

// Config configures a Transport.
type Config struct {
	// Addr is the listen address for StartAsServer and the remote address
	// for StartAsClient.
	Addr string

	// Identity is the TLS certificate served by the listener. A throwaway
	// one is generated when nil.
	Identity *identity.Identity

	// Compress enables lz4 on large stream frames. Both ends must agree.
	Compress bool

	PingInterval     time.Duration
	KeepAlivePeriod  time.Duration
	HandshakeTimeout time.Duration
	EventBuffer      int
	Logger           *log.Logger
}

// Transport carries hail frames over QUIC. Each connection has one
// bidirectional stream for reliable, ordered delivery; unreliable sends use
// QUIC datagrams when the peer supports them.
//
// Connection management runs on background goroutines that hand events to
// Poll through a buffered channel.
type Transport struct {
	cfg Config
	log *log.Logger

	mu          sync.Mutex
	initialized bool
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
	ln          *q.Listener
	peers       map[transport.PeerID]*peerConn
	nextID      transport.PeerID
	events      chan transport.Event
	serverTLS   *tls.Config
	wg          sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

type peerConn struct {
	id     transport.PeerID
	conn   q.Connection
	stream q.Stream
	fr     *frameReader

	wmu sync.Mutex
	fw  *frameWriter

	rtt     atomic.Int64 // smoothed, nanoseconds
	closing atomic.Bool  // closed locally; no Disconnected event
}

func New(cfg Config) *Transport {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	l := cfg.Logger
	if l == nil {
		l = log.New(os.Stderr, "hail/quic: ", log.LstdFlags)
	}
	return &Transport{cfg: cfg, log: l}
}

func (t *Transport) quicConfig() *q.Config {
	return &q.Config{
		EnableDatagrams:      true,
		KeepAlivePeriod:      t.cfg.KeepAlivePeriod,
		HandshakeIdleTimeout: t.cfg.HandshakeTimeout,
	}
}

func (t *Transport) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return nil
	}
	tlsConf, err := newServerTLSConfig(t.cfg.Identity)
	if err != nil {
		return err
	}
	t.serverTLS = tlsConf
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.peers = map[transport.PeerID]*peerConn{}
	t.events = make(chan transport.Event, t.cfg.EventBuffer)
	t.initialized = true
	return nil
}

// Shutdown closes the listener and every connection and waits for the
// background goroutines to exit.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return nil
	}
	t.cancel()
	var err error
	if t.ln != nil {
		err = t.ln.Close()
		t.ln = nil
	}
	for id, p := range t.peers {
		p.close()
		delete(t.peers, id)
	}
	t.initialized = false
	t.started = false
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

func (t *Transport) StartAsServer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.startLocked(); err != nil {
		return err
	}
	ln, err := q.ListenAddr(t.cfg.Addr, t.serverTLS, t.quicConfig())
	if err != nil {
		return err
	}
	t.ln = ln
	t.started = true

	t.wg.Add(1)
	go t.acceptLoop(t.ctx, ln)
	return nil
}

// StartAsClient dials Addr in the background. The outcome is reported by
// Poll as EventConnected or EventConnectFailed.
func (t *Transport) StartAsClient() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.startLocked(); err != nil {
		return err
	}
	t.started = true
	id := t.allocLocked()

	t.wg.Add(1)
	go t.dial(t.ctx, id)
	return nil
}

func (t *Transport) startLocked() error {
	if !t.initialized {
		return transport.ErrNotInitialized
	}
	if t.started {
		return transport.ErrAlreadyStarted
	}
	if t.cfg.Addr == "" {
		return ErrNoAddr
	}
	return nil
}

func (t *Transport) allocLocked() transport.PeerID {
	t.nextID++
	return t.nextID
}

// Addr returns the listener address once StartAsServer succeeded.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Transport) acceptLoop(ctx context.Context, ln *q.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Printf("accept: %v", err)
			}
			return
		}
		t.wg.Add(1)
		go t.accept(ctx, conn)
	}
}

// accept waits for the client's stream and its open frame.
func (t *Transport) accept(ctx context.Context, conn q.Connection) {
	defer t.wg.Done()
	hctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	fr := newFrameReader(stream)
	f, err := fr.read()
	if err != nil || f.typ != frameOpen {
		t.log.Printf("%s: %v", conn.RemoteAddr(), ErrBadOpen)
		_ = conn.CloseWithError(0, ErrBadOpen.Error())
		return
	}

	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		_ = conn.CloseWithError(0, "shutdown")
		return
	}
	p := t.newPeerLocked(t.allocLocked(), conn, stream, fr, newFrameWriter(stream, t.cfg.Compress))
	t.mu.Unlock()

	t.run(ctx, p)
}

func (t *Transport) dial(ctx context.Context, id transport.PeerID) {
	defer t.wg.Done()
	hctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	fail := func(err error) {
		t.push(ctx, transport.Event{Kind: transport.EventConnectFailed, Peer: id, Err: err})
	}
	conn, err := q.DialAddr(hctx, t.cfg.Addr, newClientTLSConfig(), t.quicConfig())
	if err != nil {
		fail(err)
		return
	}
	stream, err := conn.OpenStreamSync(hctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		fail(err)
		return
	}
	fw := newFrameWriter(stream, t.cfg.Compress)
	if err := fw.write(frame{typ: frameOpen}); err != nil {
		_ = conn.CloseWithError(0, "open")
		fail(err)
		return
	}

	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		_ = conn.CloseWithError(0, "shutdown")
		return
	}
	p := t.newPeerLocked(id, conn, stream, newFrameReader(stream), fw)
	t.mu.Unlock()

	t.run(ctx, p)
}

func (t *Transport) newPeerLocked(id transport.PeerID, conn q.Connection, stream q.Stream, fr *frameReader, fw *frameWriter) *peerConn {
	p := &peerConn{
		id:     id,
		conn:   conn,
		stream: stream,
		fr:     fr,
		fw:     fw,
	}
	t.peers[id] = p
	return p
}

// run reports the connection and serves it until it closes.
func (t *Transport) run(ctx context.Context, p *peerConn) {
	t.push(ctx, transport.Event{Kind: transport.EventConnected, Peer: p.id})

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.conn.ConnectionState().SupportsDatagrams {
		t.wg.Add(1)
		go t.datagramLoop(pctx, p)
	}
	t.wg.Add(1)
	go t.pingLoop(pctx, p)

	err := t.readLoop(ctx, p)

	t.mu.Lock()
	if t.peers[p.id] == p {
		delete(t.peers, p.id)
	}
	t.mu.Unlock()
	_ = p.conn.CloseWithError(0, "")

	if !p.closing.Load() && ctx.Err() == nil {
		var appErr *q.ApplicationError
		if err != nil && !errors.Is(err, io.EOF) && !errors.As(err, &appErr) {
			t.log.Printf("%s: %v", p.id, err)
		}
		t.push(ctx, transport.Event{Kind: transport.EventDisconnected, Peer: p.id})
	}
}

func (t *Transport) readLoop(ctx context.Context, p *peerConn) error {
	for {
		f, err := p.fr.read()
		if err != nil {
			return err
		}
		switch f.typ {
		case framePacket:
			t.push(ctx, transport.Event{Kind: transport.EventData, Peer: p.id, Data: f.payload})
		case framePing:
			if err := p.write(frame{typ: framePong, payload: f.payload}); err != nil {
				return err
			}
		case framePong:
			p.observePong(f.payload)
		case frameOpen:
			return fmt.Errorf("%w: repeated open", ErrInvalidFrame)
		}
	}
}

func (t *Transport) datagramLoop(ctx context.Context, p *peerConn) {
	defer t.wg.Done()
	for {
		b, err := p.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		t.push(ctx, transport.Event{Kind: transport.EventData, Peer: p.id, Data: b})
	}
}

func (t *Transport) pingLoop(ctx context.Context, p *peerConn) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ping(); err != nil {
				return
			}
		}
	}
}

// push hands ev to Poll, blocking while the buffer is full.
func (t *Transport) push(ctx context.Context, ev transport.Event) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func (t *Transport) Send(peer transport.PeerID, data []byte, mode transport.DeliveryMode) error {
	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return transport.ErrNotInitialized
	}
	p, ok := t.peers[peer]
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownPeer
	}

	if mode == transport.Unreliable && len(data) <= maxDatagram && p.conn.ConnectionState().SupportsDatagrams {
		return p.conn.SendDatagram(append([]byte(nil), data...))
	}
	return p.write(frame{typ: framePacket, payload: data})
}

func (t *Transport) Poll() transport.Event {
	t.mu.Lock()
	events := t.events
	t.mu.Unlock()
	if events == nil {
		return transport.Event{}
	}
	select {
	case ev := <-events:
		return ev
	default:
		return transport.Event{}
	}
}

// DisconnectPeer closes the connection. Only the remote side observes an
// EventDisconnected.
func (t *Transport) DisconnectPeer(peer transport.PeerID) error {
	t.mu.Lock()
	p, ok := t.peers[peer]
	if ok {
		delete(t.peers, peer)
	}
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownPeer
	}
	p.close()
	return nil
}

// RoundTripTime returns the smoothed ping round trip, or zero before the
// first pong.
func (t *Transport) RoundTripTime(peer transport.PeerID) (time.Duration, error) {
	t.mu.Lock()
	p, ok := t.peers[peer]
	t.mu.Unlock()
	if !ok {
		return 0, transport.ErrUnknownPeer
	}
	return time.Duration(p.rtt.Load()), nil
}

func (p *peerConn) write(f frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.fw.write(f); err != nil {
		if p.closing.Load() {
			return ErrPeerGone
		}
		return err
	}
	return nil
}

func (p *peerConn) close() {
	p.closing.Store(true)
	_ = p.conn.CloseWithError(0, closeReason)
}

func (p *peerConn) ping() error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(time.Now().UnixNano()))
	return p.write(frame{typ: framePing, payload: b[:]})
}

func (p *peerConn) observePong(payload []byte) {
	if len(payload) != 8 {
		return
	}
	sent := int64(binary.BigEndian.Uint64(payload))
	sample := time.Now().UnixNano() - sent
	if sample < 0 {
		return
	}
	old := p.rtt.Load()
	if old == 0 {
		p.rtt.Store(sample)
		return
	}
	p.rtt.Store(old - old/8 + sample/8)
}
