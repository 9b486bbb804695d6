package crypto

import (
	"sync"
)

// Role is the side of the connection a SecureChannel belongs to.
type Role uint8

const (
	// Acceptor is the side that offered its key (the server).
	Acceptor Role = iota
	// Initiator is the side that answered the offer (the client).
	Initiator
)

func (r Role) String() string {
	switch r {
	case Acceptor:
		return "acceptor"
	case Initiator:
		return "initiator"
	default:
		return "unknown"
	}
}

// Direction labels XORed into the first nonce byte. Both directions share
// key and counter but never the keystream.
const (
	labelAcceptorToInitiator = 0x00
	labelInitiatorToAcceptor = 0x80
)

// SecureChannel encrypts one connection's datagrams. Each direction has its
// own StreamCipher; both peers build them from identical CipherParams and
// pick send/receive by role.
type SecureChannel struct {
	mu   sync.Mutex
	role Role
	send *StreamCipher
	recv *StreamCipher
}

// NewSecureChannel builds a channel for role. p is not retained.
func NewSecureChannel(p CipherParams, role Role) (*SecureChannel, error) {
	out, in := byte(labelAcceptorToInitiator), byte(labelInitiatorToAcceptor)
	if role == Initiator {
		out, in = in, out
	}
	send, err := NewStreamCipher(withDirection(p, out))
	if err != nil {
		return nil, err
	}
	recv, err := NewStreamCipher(withDirection(p, in))
	if err != nil {
		return nil, err
	}
	return &SecureChannel{role: role, send: send, recv: recv}, nil
}

func withDirection(p CipherParams, label byte) CipherParams {
	p.Nonce[0] ^= label
	return p
}

func (sc *SecureChannel) Role() Role { return sc.role }

// Seal encrypts an outgoing datagram.
func (sc *SecureChannel) Seal(plaintext []byte) ([]byte, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.send.XOR(plaintext)
}

// SealTo encrypts plaintext into dst, which must be at least as long.
func (sc *SecureChannel) SealTo(dst, plaintext []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.send.Process(dst, plaintext)
}

// Open decrypts an incoming datagram. Datagrams must be opened in the order
// they were sealed.
func (sc *SecureChannel) Open(ciphertext []byte) ([]byte, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.recv.XOR(ciphertext)
}

// SendCounter returns the current send block counter.
func (sc *SecureChannel) SendCounter() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.send.Counter()
}

// RecvCounter returns the current receive block counter.
func (sc *SecureChannel) RecvCounter() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.recv.Counter()
}
