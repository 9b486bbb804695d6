package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDFIterations is the PBKDF2 iteration count.
	KDFIterations = 10000

	// KDFSalt binds derived material to this protocol.
	KDFSalt = "hail-secure-channel"

	KeySize   = 32
	NonceSize = 12

	// key || nonce || little-endian uint32 block counter
	cipherParamsSize = KeySize + NonceSize + 4
)

var (
	ErrEmptySecret = errors.New("crypto: empty shared secret")
)

// CipherParams is the symmetric material derived from one shared secret.
type CipherParams struct {
	Key     [KeySize]byte
	Nonce   [NonceSize]byte
	Counter uint32
}

// DeriveCipherParams stretches a raw shared secret with PBKDF2-HMAC-SHA256.
// Both peers run it independently, so it must be deterministic.
func DeriveCipherParams(secret []byte) (CipherParams, error) {
	if len(secret) == 0 {
		return CipherParams{}, ErrEmptySecret
	}
	material := pbkdf2.Key(secret, []byte(KDFSalt), KDFIterations, cipherParamsSize, sha256.New)
	defer zero(material)

	var p CipherParams
	copy(p.Key[:], material[:KeySize])
	copy(p.Nonce[:], material[KeySize:KeySize+NonceSize])
	p.Counter = binary.LittleEndian.Uint32(material[KeySize+NonceSize:])
	return p, nil
}

// Wipe zeroes the key and nonce.
func (p *CipherParams) Wipe() {
	zero(p.Key[:])
	zero(p.Nonce[:])
	p.Counter = 0
}
