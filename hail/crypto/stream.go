package crypto

import (
	"errors"

	"golang.org/x/crypto/chacha20"
)

const (
	blockSize = 64

	// keystreamLimit is the keystream length addressable by a 32-bit block
	// counter: 2^32 blocks of 64 bytes.
	keystreamLimit = uint64(1) << 38
)

var (
	ErrCounterExhausted = errors.New("crypto: keystream counter exhausted")
	ErrShortBuffer      = errors.New("crypto: destination buffer too short")
)

// StreamCipher is ChaCha20 (RFC 8439) keyed with one CipherParams triple.
// Encryption and decryption are the same XOR. The keystream position only
// moves forward; a call that would run past the last block of the 32-bit
// counter is refused rather than wrapping.
//
// StreamCipher is not safe for concurrent use.
type StreamCipher struct {
	c   *chacha20.Cipher
	pos uint64 // absolute keystream offset in bytes
}

func NewStreamCipher(p CipherParams) (*StreamCipher, error) {
	c, err := chacha20.NewUnauthenticatedCipher(p.Key[:], p.Nonce[:])
	if err != nil {
		return nil, err
	}
	c.SetCounter(p.Counter)
	return &StreamCipher{c: c, pos: uint64(p.Counter) * blockSize}, nil
}

// Process XORs src with the keystream into dst. dst and src may overlap
// entirely or not at all.
func (s *StreamCipher) Process(dst, src []byte) error {
	if len(dst) < len(src) {
		return ErrShortBuffer
	}
	if uint64(len(src)) > keystreamLimit-s.pos {
		return ErrCounterExhausted
	}
	s.c.XORKeyStream(dst[:len(src)], src)
	s.pos += uint64(len(src))
	return nil
}

// XOR is Process into a new slice.
func (s *StreamCipher) XOR(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	if err := s.Process(out, src); err != nil {
		return nil, err
	}
	return out, nil
}

// Counter returns the index of the block holding the next keystream byte.
func (s *StreamCipher) Counter() uint64 { return s.pos / blockSize }

// Remaining returns how many more bytes can be processed.
func (s *StreamCipher) Remaining() uint64 { return keystreamLimit - s.pos }
