// Package memory is an in-process transport.
//
// Endpoints created from one Hub can reach each other without sockets. One
// endpoint acts as the server; every endpoint started as a client connects to
// it immediately. Delivery is always reliable and ordered whatever mode is
// requested. It is useful for tests, examples and embedding in applications.
package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/TheusHen/hail/hail/transport"
)

var (
	ErrNoServer = errors.New("memory: no server endpoint started on hub")
)

// Filter inspects an outgoing datagram. It returns the bytes to deliver, or
// nil to drop the datagram.
type Filter func(peer transport.PeerID, data []byte) []byte

// Hub connects endpoints. All endpoint state is guarded by the hub mutex.
type Hub struct {
	mu     sync.Mutex
	server *Endpoint
}

func NewHub() *Hub {
	return &Hub{}
}

// Endpoint returns a new, uninitialized endpoint attached to the hub.
func (h *Hub) Endpoint() *Endpoint {
	return &Endpoint{
		hub:   h,
		links: map[transport.PeerID]link{},
	}
}

// link points at the remote endpoint and at the id the remote uses for us.
type link struct {
	ep *Endpoint
	id transport.PeerID
}

// Endpoint implements transport.Transport.
type Endpoint struct {
	hub         *Hub
	initialized bool
	started     bool
	nextID      transport.PeerID
	links       map[transport.PeerID]link
	events      []transport.Event
	rtt         time.Duration
	filter      Filter
}

var _ transport.Transport = (*Endpoint)(nil)

func (e *Endpoint) Initialize() error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.initialized = true
	return nil
}

// Shutdown drops every link; remote ends observe a disconnect.
func (e *Endpoint) Shutdown() error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	for id := range e.links {
		e.unlinkLocked(id)
	}
	if e.hub.server == e {
		e.hub.server = nil
	}
	e.events = nil
	e.started = false
	e.initialized = false
	return nil
}

func (e *Endpoint) StartAsServer() error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if err := e.startLocked(); err != nil {
		return err
	}
	if e.hub.server != nil {
		return transport.ErrAlreadyStarted
	}
	e.hub.server = e
	e.started = true
	return nil
}

// StartAsClient connects to the hub's server endpoint. Both sides get an
// EventConnected.
func (e *Endpoint) StartAsClient() error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if err := e.startLocked(); err != nil {
		return err
	}
	srv := e.hub.server
	if srv == nil {
		return ErrNoServer
	}
	e.started = true

	srvSide := srv.allocLocked()
	cliSide := e.allocLocked()
	srv.links[srvSide] = link{ep: e, id: cliSide}
	e.links[cliSide] = link{ep: srv, id: srvSide}
	srv.push(transport.Event{Kind: transport.EventConnected, Peer: srvSide})
	e.push(transport.Event{Kind: transport.EventConnected, Peer: cliSide})
	return nil
}

func (e *Endpoint) startLocked() error {
	if !e.initialized {
		return transport.ErrNotInitialized
	}
	if e.started {
		return transport.ErrAlreadyStarted
	}
	return nil
}

func (e *Endpoint) allocLocked() transport.PeerID {
	e.nextID++
	return e.nextID
}

func (e *Endpoint) push(ev transport.Event) {
	e.events = append(e.events, ev)
}

func (e *Endpoint) Send(peer transport.PeerID, data []byte, _ transport.DeliveryMode) error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if !e.initialized {
		return transport.ErrNotInitialized
	}
	l, ok := e.links[peer]
	if !ok {
		return transport.ErrUnknownPeer
	}
	out := append([]byte(nil), data...)
	if e.filter != nil {
		if out = e.filter(peer, out); out == nil {
			return nil
		}
	}
	l.ep.push(transport.Event{Kind: transport.EventData, Peer: l.id, Data: out})
	return nil
}

func (e *Endpoint) Poll() transport.Event {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if len(e.events) == 0 {
		return transport.Event{}
	}
	ev := e.events[0]
	e.events[0] = transport.Event{}
	e.events = e.events[1:]
	return ev
}

// DisconnectPeer drops the link. Only the remote side observes an
// EventDisconnected.
func (e *Endpoint) DisconnectPeer(peer transport.PeerID) error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if _, ok := e.links[peer]; !ok {
		return transport.ErrUnknownPeer
	}
	e.unlinkLocked(peer)
	return nil
}

func (e *Endpoint) unlinkLocked(peer transport.PeerID) {
	l := e.links[peer]
	delete(e.links, peer)
	delete(l.ep.links, l.id)
	l.ep.push(transport.Event{Kind: transport.EventDisconnected, Peer: l.id})
}

func (e *Endpoint) RoundTripTime(peer transport.PeerID) (time.Duration, error) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if _, ok := e.links[peer]; !ok {
		return 0, transport.ErrUnknownPeer
	}
	return e.rtt, nil
}

// SetRoundTripTime sets the value reported by RoundTripTime.
func (e *Endpoint) SetRoundTripTime(d time.Duration) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.rtt = d
}

// SetFilter installs f on outgoing datagrams. A nil f removes the filter.
func (e *Endpoint) SetFilter(f Filter) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.filter = f
}

// Peers returns the ids of currently linked peers.
func (e *Endpoint) Peers() []transport.PeerID {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	out := make([]transport.PeerID, 0, len(e.links))
	for id := range e.links {
		out = append(out, id)
	}
	return out
}
