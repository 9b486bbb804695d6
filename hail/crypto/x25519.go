package crypto

import (
	"crypto/rand"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
)

// PublicKeySize is the size of a raw X25519 public key.
const PublicKeySize = curve25519.PointSize

var (
	ErrInvalidPublicKey  = errors.New("crypto: invalid X25519 public key")
	ErrExchangeDestroyed = errors.New("crypto: key exchange already destroyed")
)

// KeyExchange is one side of an ephemeral Diffie-Hellman exchange.
//
// PublicPart returns the bytes to send to the peer. SharedSecret derives the
// raw secret from the peer's public part. Destroy wipes the private scalar;
// after it SharedSecret fails with ErrExchangeDestroyed.
type KeyExchange interface {
	PublicPart() []byte
	SharedSecret(peerPart []byte) ([]byte, error)
	Destroy()
}

// X25519Exchange is the unauthenticated variant: nothing binds the public key
// to an identity, so an on-path attacker can substitute keys undetected.
type X25519Exchange struct {
	mu        sync.Mutex
	public    [32]byte
	private   [32]byte
	destroyed bool
}

var _ KeyExchange = (*X25519Exchange)(nil)

// NewX25519Exchange generates a fresh ephemeral keypair.
func NewX25519Exchange() (*X25519Exchange, error) {
	x := &X25519Exchange{}
	if _, err := io.ReadFull(rand.Reader, x.private[:]); err != nil {
		return nil, err
	}
	// Clamp private key per RFC 7748
	x.private[0] &= 248
	x.private[31] &= 127
	x.private[31] |= 64

	pub, err := curve25519.X25519(x.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(x.public[:], pub)
	return x, nil
}

func (x *X25519Exchange) PublicPart() []byte {
	return append([]byte(nil), x.public[:]...)
}

// SharedSecret returns 32 bytes of raw shared secret (input to the KDF).
func (x *X25519Exchange) SharedSecret(peerPart []byte) ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.destroyed {
		return nil, ErrExchangeDestroyed
	}
	if len(peerPart) != PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	// curve25519.X25519 fails on low-order points (all-zero output).
	shared, err := curve25519.X25519(x.private[:], peerPart)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return shared, nil
}

func (x *X25519Exchange) Destroy() {
	x.mu.Lock()
	defer x.mu.Unlock()
	zero(x.private[:])
	x.destroyed = true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

