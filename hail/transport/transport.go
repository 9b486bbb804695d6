// Package transport defines the packet transport contract the secure channel
// is layered on top of.
//
// A Transport delivers opaque datagrams between peers, reports connection
// lifecycle changes and is driven by polling: each Poll call returns at most
// one Event. Implementations live in sub-packages (memory, quic); the session
// package wraps any of them with the encrypted handshake.
package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownPeer    = errors.New("transport: unknown peer")
	ErrNotInitialized = errors.New("transport: not initialized")
	ErrAlreadyStarted = errors.New("transport: already started")
	ErrClosed         = errors.New("transport: closed")
)

// PeerID identifies one remote endpoint. It is assigned by the transport and
// only meaningful to the transport instance that issued it.
type PeerID uint32

func (id PeerID) String() string { return fmt.Sprintf("peer#%d", uint32(id)) }

// DeliveryMode selects the guarantees requested for one Send.
type DeliveryMode uint8

const (
	Unreliable DeliveryMode = iota
	Reliable
	ReliableOrdered
)

func (m DeliveryMode) String() string {
	switch m {
	case Unreliable:
		return "UNRELIABLE"
	case Reliable:
		return "RELIABLE"
	case ReliableOrdered:
		return "RELIABLE_ORDERED"
	default:
		return "UNKNOWN"
	}
}

// EventKind is the type of a polled Event.
type EventKind uint8

const (
	EventNone EventKind = iota
	EventConnected
	EventDisconnected
	EventData
	// EventConnectFailed is raised by layers above the raw transport when a
	// connection was torn down before it became usable. Err carries the cause.
	EventConnectFailed
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "NONE"
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventData:
		return "DATA"
	case EventConnectFailed:
		return "CONNECT_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event is one notification returned by Poll.
type Event struct {
	Kind EventKind
	Peer PeerID
	Data []byte
	Err  error
}

// Transport is the capability set required from the underlying packet layer.
type Transport interface {
	Initialize() error
	Shutdown() error
	StartAsServer() error
	StartAsClient() error
	Send(peer PeerID, data []byte, mode DeliveryMode) error
	// Poll returns the next pending event, or an Event with Kind EventNone
	// when nothing is pending. It never blocks.
	Poll() Event
	DisconnectPeer(peer PeerID) error
	RoundTripTime(peer PeerID) (time.Duration, error)
}
