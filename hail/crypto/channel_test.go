package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func establishedPair(t testing.TB) (*SecureChannel, *SecureChannel) {
	acceptor, _ := NewX25519Exchange()
	initiator, _ := NewX25519Exchange()
	sa, _ := acceptor.SharedSecret(initiator.PublicPart())
	si, _ := initiator.SharedSecret(acceptor.PublicPart())
	pa, _ := DeriveCipherParams(sa)
	pi, _ := DeriveCipherParams(si)

	a, err := NewSecureChannel(pa, Acceptor)
	if err != nil {
		t.Fatalf("NewSecureChannel acceptor: %v", err)
	}
	i, err := NewSecureChannel(pi, Initiator)
	if err != nil {
		t.Fatalf("NewSecureChannel initiator: %v", err)
	}
	return a, i
}

func TestSecureChannelRoundTrip(t *testing.T) {
	acceptor, initiator := establishedPair(t)

	messages := [][]byte{
		[]byte("hello from initiator"),
		{},
		bytes.Repeat([]byte{0xaa}, 1000),
		[]byte("another message"),
	}

	// Initiator -> Acceptor
	for _, msg := range messages {
		ct, err := initiator.Seal(msg)
		if err != nil {
			t.Fatalf("initiator.Seal: %v", err)
		}
		if len(ct) != len(msg) {
			t.Fatalf("ciphertext length %d != plaintext length %d", len(ct), len(msg))
		}
		pt, err := acceptor.Open(ct)
		if err != nil {
			t.Fatalf("acceptor.Open: %v", err)
		}
		if !bytes.Equal(pt, msg) {
			t.Fatalf("message mismatch")
		}
	}

	// Acceptor -> Initiator
	for _, msg := range messages {
		ct, _ := acceptor.Seal(msg)
		pt, _ := initiator.Open(ct)
		if !bytes.Equal(pt, msg) {
			t.Fatalf("message mismatch")
		}
	}

	if initiator.SendCounter() != acceptor.RecvCounter() {
		t.Fatalf("counters out of step: %d vs %d", initiator.SendCounter(), acceptor.RecvCounter())
	}
}

func TestSecureChannelDirectionsDoNotShareKeystream(t *testing.T) {
	acceptor, initiator := establishedPair(t)
	msg := make([]byte, 128)

	fromAcceptor, _ := acceptor.Seal(msg)
	fromInitiator, _ := initiator.Seal(msg)
	if bytes.Equal(fromAcceptor, fromInitiator) {
		t.Fatalf("both directions produced the same keystream")
	}
}

func TestSecureChannelSealTo(t *testing.T) {
	acceptor, initiator := establishedPair(t)
	msg := []byte("in place")
	buf := make([]byte, len(msg))
	if err := initiator.SealTo(buf, msg); err != nil {
		t.Fatalf("SealTo: %v", err)
	}
	pt, _ := acceptor.Open(buf)
	if !bytes.Equal(pt, msg) {
		t.Fatalf("message mismatch")
	}
	if err := initiator.SealTo(make([]byte, 2), msg); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

// RFC 8439 section 2.4.2.
func TestStreamCipherVector(t *testing.T) {
	var p CipherParams
	for i := range p.Key {
		p.Key[i] = byte(i)
	}
	p.Nonce[7] = 0x4a
	p.Counter = 1

	s, err := NewStreamCipher(p)
	if err != nil {
		t.Fatalf("NewStreamCipher: %v", err)
	}
	plaintext := []byte("Ladies and Gentlemen of the class of '99: If I could offer you only one tip for the future, sunscreen would be it.")
	ct, err := s.XOR(plaintext)
	if err != nil {
		t.Fatalf("XOR: %v", err)
	}
	want, _ := hex.DecodeString("6e2e359a2568f98041ba0728dd0d6981")
	if !bytes.Equal(ct[:16], want) {
		t.Fatalf("keystream mismatch: got %x", ct[:16])
	}
	if s.Counter() != 1+uint64(len(plaintext))/blockSize {
		t.Fatalf("unexpected counter %d", s.Counter())
	}
}

func TestStreamCipherCounterExhaustion(t *testing.T) {
	p := CipherParams{Counter: 0xffffffff}
	s, err := NewStreamCipher(p)
	if err != nil {
		t.Fatalf("NewStreamCipher: %v", err)
	}
	if s.Remaining() != blockSize {
		t.Fatalf("expected one block left, got %d bytes", s.Remaining())
	}
	if _, err := s.XOR(make([]byte, blockSize+1)); err != ErrCounterExhausted {
		t.Fatalf("expected ErrCounterExhausted, got %v", err)
	}
	// The refused call must not consume keystream.
	if _, err := s.XOR(make([]byte, 40)); err != nil {
		t.Fatalf("XOR within budget: %v", err)
	}
	if _, err := s.XOR(make([]byte, 24)); err != nil {
		t.Fatalf("XOR up to the last byte: %v", err)
	}
	if _, err := s.XOR([]byte{0}); err != ErrCounterExhausted {
		t.Fatalf("expected ErrCounterExhausted past the end, got %v", err)
	}
}

func BenchmarkSecureChannelSeal(b *testing.B) {
	acceptor, _ := establishedPair(b)
	msg := make([]byte, 1024)
	b.SetBytes(int64(len(msg)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = acceptor.Seal(msg)
	}
}
