package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrBadBundle      = errors.New("identity: malformed certificate bundle")
	ErrBadCertificate = errors.New("identity: malformed certificate")
	ErrUnsupportedKey = errors.New("identity: unsupported key type")
	ErrBadSignature   = errors.New("identity: signature verification failed")
	ErrUntrusted      = errors.New("identity: certificate not trusted")
)

// DefaultValidity is the lifetime of certificates created by Generate.
const DefaultValidity = 365 * 24 * time.Hour

// Identity is the signing identity of an accepting endpoint: an X.509
// certificate and the private key matching its public key.
// The DER form of the certificate is computed once, when the identity is
// built, and never changes afterwards.
type Identity struct {
	cert   *x509.Certificate
	der    []byte
	signer crypto.Signer
}

// Generate creates a self-signed Ed25519 identity for commonName.
func Generate(commonName string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	tpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore: time.Now().Add(-1 * time.Hour),
		NotAfter:  time.Now().Add(DefaultValidity),
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, pub, priv)
	if err != nil {
		return nil, err
	}
	return New(der, priv)
}

// New builds an identity from a DER certificate and its private key.
func New(der []byte, signer crypto.Signer) (*Identity, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	if !publicKeysEqual(cert.PublicKey, signer.Public()) {
		return nil, fmt.Errorf("%w: private key does not match certificate", ErrBadBundle)
	}
	if _, err := checkKeyType(cert.PublicKey); err != nil {
		return nil, err
	}
	return &Identity{
		cert:   cert,
		der:    append([]byte(nil), der...),
		signer: signer,
	}, nil
}

// ParseBundle decodes a base64 bundle holding a PEM certificate followed by
// its PEM private key.
func ParseBundle(b64 string) (*Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBundle, err)
	}
	pair, err := tls.X509KeyPair(raw, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBundle, err)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return New(pair.Certificate[0], signer)
}

// Bundle encodes the identity in the format read by ParseBundle.
func (id *Identity) Bundle() (string, error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(id.signer)
	if err != nil {
		return "", err
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.der})
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Certificate returns the parsed certificate.
func (id *Identity) Certificate() *x509.Certificate { return id.cert }

// DER returns the exported certificate bytes. Callers must not modify them.
func (id *Identity) DER() []byte { return id.der }

func (id *Identity) Fingerprint() Fingerprint { return FingerprintOf(id.der) }

// TLSCertificate returns the identity in the form crypto/tls expects.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.der},
		PrivateKey:  id.signer,
		Leaf:        id.cert,
	}
}

// Sign signs message with the identity's private key.
// Ed25519 keys sign the message itself, ECDSA keys its SHA-256 digest.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	switch id.signer.Public().(type) {
	case ed25519.PublicKey:
		return id.signer.Sign(rand.Reader, message, crypto.Hash(0))
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		return id.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	default:
		return nil, ErrUnsupportedKey
	}
}

// ParseCertificate parses a DER certificate received from a peer. When roots
// is non-nil the certificate must chain to one of them.
func ParseCertificate(der []byte, roots *x509.CertPool) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	if _, err := checkKeyType(cert.PublicKey); err != nil {
		return nil, err
	}
	if roots != nil {
		opts := x509.VerifyOptions{
			Roots:     roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := cert.Verify(opts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUntrusted, err)
		}
	}
	return cert, nil
}

// Verify checks signature over message against the certificate's public key.
func Verify(cert *x509.Certificate, message, signature []byte) error {
	switch pub := cert.PublicKey.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, message, signature) {
			return ErrBadSignature
		}
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return ErrBadSignature
		}
	default:
		return ErrUnsupportedKey
	}
	return nil
}

func checkKeyType(pub crypto.PublicKey) (crypto.PublicKey, error) {
	switch pub.(type) {
	case ed25519.PublicKey, *ecdsa.PublicKey:
		return pub, nil
	default:
		return nil, ErrUnsupportedKey
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}
