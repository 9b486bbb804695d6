package hail

import (
	"context"
	"crypto/x509"
	"log"
	"net"
	"time"

	"github.com/TheusHen/hail/hail/identity"
	"github.com/TheusHen/hail/hail/session"
	"github.com/TheusHen/hail/hail/transport"
	"github.com/TheusHen/hail/hail/transport/quic"
)

// pollInterval is how long Next sleeps when no event is pending.
const pollInterval = time.Millisecond

// Options configures a Peer.
type Options struct {
	Signed            bool
	CertificateBundle string
	TrustRoots        *x509.CertPool
	HandshakeTimeout  time.Duration

	// Compress enables lz4 on the QUIC stream. Both ends must agree.
	Compress bool

	Logger  *log.Logger
	Metrics *session.Metrics
}

// Peer is a high-level helper that runs a session.Coordinator over the QUIC
// transport. It intentionally stays small: everything else is reachable
// through the embedded coordinator.
type Peer struct {
	*session.Coordinator
	quic *quic.Transport
}

// Listen starts an acceptor on addr.
func Listen(addr string, opts Options) (*Peer, error) {
	p, err := newPeer(addr, opts)
	if err != nil {
		return nil, err
	}
	if err := p.StartAsServer(); err != nil {
		_ = p.Shutdown()
		return nil, err
	}
	return p, nil
}

// Dial starts an initiator towards addr. The connection is reported by Next.
func Dial(addr string, opts Options) (*Peer, error) {
	p, err := newPeer(addr, opts)
	if err != nil {
		return nil, err
	}
	if err := p.StartAsClient(); err != nil {
		_ = p.Shutdown()
		return nil, err
	}
	return p, nil
}

func newPeer(addr string, opts Options) (*Peer, error) {
	var id *identity.Identity
	if opts.CertificateBundle != "" {
		var err error
		if id, err = identity.ParseBundle(opts.CertificateBundle); err != nil {
			return nil, err
		}
	}
	qt := quic.New(quic.Config{
		Addr:     addr,
		Identity: id,
		Compress: opts.Compress,
		Logger:   opts.Logger,
	})
	c, err := session.NewCoordinator(session.Config{
		Transport:         qt,
		Signed:            opts.Signed,
		CertificateBundle: opts.CertificateBundle,
		TrustRoots:        opts.TrustRoots,
		HandshakeTimeout:  opts.HandshakeTimeout,
		Logger:            opts.Logger,
		Metrics:           opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(); err != nil {
		return nil, err
	}
	return &Peer{Coordinator: c, quic: qt}, nil
}

// Addr returns the listening address of an acceptor.
func (p *Peer) Addr() net.Addr { return p.quic.Addr() }

// Next blocks until the coordinator surfaces an event or ctx is done.
func (p *Peer) Next(ctx context.Context) (transport.Event, error) {
	for {
		if ev := p.Poll(); ev.Kind != transport.EventNone {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return transport.Event{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (p *Peer) Close() error { return p.Shutdown() }
