package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	pub := bytes.Repeat([]byte{0x11}, 32)
	cert := bytes.Repeat([]byte{0x22}, 300)

	cases := []Message{
		{Type: MessageTypeOffer, PublicKey: pub},
		{Type: MessageTypeOffer, Signed: true, Certificate: cert, PublicKey: pub},
		{Type: MessageTypeResponse, PublicKey: pub},
		{Type: MessageTypeReady},
		{Type: MessageTypeData, Payload: []byte("ciphertext")},
	}
	for _, in := range cases {
		frame, err := Encode(in)
		if err != nil {
			t.Fatalf("Encode %s: %v", in.Type, err)
		}
		out, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode %s: %v", in.Type, err)
		}
		if out.Type != in.Type || out.Signed != in.Signed {
			t.Fatalf("%s: header mismatch: %+v", in.Type, out)
		}
		if !bytes.Equal(out.Certificate, in.Certificate) || !bytes.Equal(out.PublicKey, in.PublicKey) || !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("%s: field mismatch", in.Type)
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	pub := []byte{0xaa, 0xbb}

	offer, _ := EncodeOffer(pub, nil, false)
	if want := []byte{0x00, 0x02, 0x00, 0xaa, 0xbb}; !bytes.Equal(offer, want) {
		t.Fatalf("unsigned offer: got %x want %x", offer, want)
	}

	signed, _ := EncodeOffer(pub, []byte{0xcc}, true)
	if want := []byte{0x80, 0x01, 0x00, 0xcc, 0x02, 0x00, 0xaa, 0xbb}; !bytes.Equal(signed, want) {
		t.Fatalf("signed offer: got %x want %x", signed, want)
	}

	resp, _ := EncodeResponse(pub)
	if want := []byte{0x01, 0x02, 0x00, 0xaa, 0xbb}; !bytes.Equal(resp, want) {
		t.Fatalf("response: got %x want %x", resp, want)
	}

	if ready := EncodeReady(); !bytes.Equal(ready, []byte{0x02}) {
		t.Fatalf("ready: got %x", ready)
	}

	data, _ := EncodeData([]byte{1, 2, 3})
	if want := []byte{0x03, 1, 2, 3}; !bytes.Equal(data, want) {
		t.Fatalf("data: got %x want %x", data, want)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]struct {
		frame []byte
		want  error
	}{
		"empty":                 {nil, ErrEmptyFrame},
		"unknown type":          {[]byte{0x05}, ErrInvalidType},
		"flag on response":      {[]byte{0x81, 0x00, 0x00}, ErrUnexpectedFlag},
		"flag on ready":         {[]byte{0x82}, ErrUnexpectedFlag},
		"flag on data":          {[]byte{0x83, 0x01}, ErrUnexpectedFlag},
		"missing length":        {[]byte{0x00, 0x01}, ErrTruncated},
		"length past end":       {[]byte{0x00, 0x05, 0x00, 0xaa}, ErrTruncated},
		"huge declared length":  {[]byte{0x01, 0xff, 0xff, 0xaa}, ErrTruncated},
		"signed missing pubkey": {[]byte{0x80, 0x01, 0x00, 0xcc}, ErrTruncated},
		"cert length past end":  {[]byte{0x80, 0x10, 0x00, 0xcc}, ErrTruncated},
		"trailing after offer":  {[]byte{0x00, 0x01, 0x00, 0xaa, 0xff}, ErrTrailingBytes},
		"trailing after ready":  {[]byte{0x02, 0x00}, ErrTrailingBytes},
	}
	for name, tc := range cases {
		if _, err := Decode(tc.frame); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
}

func TestPayloadLimit(t *testing.T) {
	if _, err := EncodeData(make([]byte, MaxPayload)); err != nil {
		t.Fatalf("payload of exactly MaxPayload rejected: %v", err)
	}
	if _, err := EncodeData(make([]byte, MaxPayload+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	big := make([]byte, MaxFrameSize+1)
	big[0] = byte(MessageTypeData)
	if _, err := Decode(big); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on decode, got %v", err)
	}

	// The certificate counts against the same buffer as the key.
	if _, err := EncodeOffer(make([]byte, 32), make([]byte, MaxPayload), true); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge for oversized certificate, got %v", err)
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	if _, err := Encode(Message{Type: MessageType(9)}); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	if _, err := Encode(Message{Type: MessageTypeReady, Signed: true}); !errors.Is(err, ErrUnexpectedFlag) {
		t.Fatalf("expected ErrUnexpectedFlag, got %v", err)
	}
	if _, err := EncodeOffer(make([]byte, 32), nil, true); !errors.Is(err, ErrMissingField) {
		t.Fatalf("signed offer without certificate: expected ErrMissingField, got %v", err)
	}
	if _, err := EncodeResponse(nil); !errors.Is(err, ErrMissingField) {
		t.Fatalf("response without key: expected ErrMissingField, got %v", err)
	}
}

func TestDecodeDoesNotAlias(t *testing.T) {
	frame, _ := EncodeOffer([]byte{1, 2, 3}, []byte{4, 5}, true)
	m, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range frame {
		frame[i] = 0xff
	}
	if !bytes.Equal(m.PublicKey, []byte{1, 2, 3}) || !bytes.Equal(m.Certificate, []byte{4, 5}) {
		t.Fatalf("decoded fields alias the input frame")
	}
}

func TestPeekType(t *testing.T) {
	typ, signed, err := PeekType([]byte{0x80})
	if err != nil || typ != MessageTypeOffer || !signed {
		t.Fatalf("unexpected peek result %s %v %v", typ, signed, err)
	}
	if _, _, err := PeekType([]byte{0x7f}); err != ErrInvalidType {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	if MessageTypeData.String() != "DATA" || MessageType(42).String() != "UNKNOWN" {
		t.Fatalf("unexpected String output")
	}
}
