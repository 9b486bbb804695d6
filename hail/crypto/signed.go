package crypto

import (
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/TheusHen/hail/hail/identity"
)

var (
	ErrBadSignature = errors.New("crypto: offered key signature invalid")
)

const offerSigningLabel = "hail-offer-v1"

func offerSigningBytes(pub []byte) []byte {
	b := make([]byte, 0, len(offerSigningLabel)+len(pub))
	b = append(b, offerSigningLabel...)
	return append(b, pub...)
}

// SignedExchange is the signer side of an authenticated exchange.
// Its public part is the raw X25519 key followed by the identity's signature
// over it. The peer's reply is a plain X25519 key.
type SignedExchange struct {
	x    *X25519Exchange
	part []byte
}

var _ KeyExchange = (*SignedExchange)(nil)

func NewSignedExchange(id *identity.Identity) (*SignedExchange, error) {
	x, err := NewX25519Exchange()
	if err != nil {
		return nil, err
	}
	sig, err := id.Sign(offerSigningBytes(x.public[:]))
	if err != nil {
		x.Destroy()
		return nil, err
	}
	part := make([]byte, 0, PublicKeySize+len(sig))
	part = append(part, x.public[:]...)
	part = append(part, sig...)
	return &SignedExchange{x: x, part: part}, nil
}

func (s *SignedExchange) PublicPart() []byte {
	return append([]byte(nil), s.part...)
}

func (s *SignedExchange) SharedSecret(peerPart []byte) ([]byte, error) {
	return s.x.SharedSecret(peerPart)
}

func (s *SignedExchange) Destroy() { s.x.Destroy() }

// VerifiedExchange is the verifier side of an authenticated exchange. The
// offered public part is only accepted once its signature verifies against
// the offered certificate; otherwise no secret is produced.
type VerifiedExchange struct {
	x    *X25519Exchange
	cert *x509.Certificate
}

var _ KeyExchange = (*VerifiedExchange)(nil)

// NewVerifiedExchange parses the peer's certificate. A nil roots pool skips
// chain validation and only the signature over the ephemeral key is checked.
func NewVerifiedExchange(certDER []byte, roots *x509.CertPool) (*VerifiedExchange, error) {
	cert, err := identity.ParseCertificate(certDER, roots)
	if err != nil {
		return nil, err
	}
	x, err := NewX25519Exchange()
	if err != nil {
		return nil, err
	}
	return &VerifiedExchange{x: x, cert: cert}, nil
}

func (v *VerifiedExchange) PublicPart() []byte { return v.x.PublicPart() }

// SharedSecret verifies the signed offer before deriving anything.
func (v *VerifiedExchange) SharedSecret(offered []byte) ([]byte, error) {
	if len(offered) <= PublicKeySize {
		return nil, fmt.Errorf("%w: missing signature", ErrBadSignature)
	}
	pub, sig := offered[:PublicKeySize], offered[PublicKeySize:]
	if err := identity.Verify(v.cert, offerSigningBytes(pub), sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return v.x.SharedSecret(pub)
}

func (v *VerifiedExchange) Destroy() { v.x.Destroy() }

// Certificate returns the peer certificate the offer was verified against.
func (v *VerifiedExchange) Certificate() *x509.Certificate { return v.cert }
