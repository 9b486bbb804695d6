package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// MaxPayload is the capacity of the working buffer behind one frame. It
	// bounds the body that follows the tag byte.
	MaxPayload = 8192

	// MaxFrameSize is the largest encoded frame.
	MaxFrameSize = 1 + MaxPayload
)

var (
	ErrFrameTooLarge  = errors.New("protocol: frame exceeds working buffer")
	ErrInvalidType    = errors.New("protocol: invalid message type")
	ErrEmptyFrame     = errors.New("protocol: empty frame")
	ErrTruncated      = errors.New("protocol: declared length exceeds frame")
	ErrTrailingBytes  = errors.New("protocol: trailing bytes after message")
	ErrUnexpectedFlag = errors.New("protocol: sign flag on non-offer message")
	ErrFieldTooLong   = errors.New("protocol: field exceeds 16-bit length")
	ErrMissingField   = errors.New("protocol: required field missing")
)

// Message is one decoded frame.
//
// Wire format, one tag byte (low 7 bits = type, bit 7 = signed flag on
// offers) followed by a type-specific body. Lengths are little endian:
//
//	offer, signed:   tag | u16 certLen | cert | u16 pubLen | pub
//	offer, unsigned: tag | u16 pubLen | pub
//	response:        tag | u16 pubLen | pub
//	ready:           tag
//	data:            tag | ciphertext
type Message struct {
	Type        MessageType
	Signed      bool
	Certificate []byte
	PublicKey   []byte
	Payload     []byte
}

// Encode serializes m. Frames whose body would exceed MaxPayload are
// rejected.
func Encode(m Message) ([]byte, error) {
	if !m.Type.valid() {
		return nil, ErrInvalidType
	}
	if m.Signed && m.Type != MessageTypeOffer {
		return nil, ErrUnexpectedFlag
	}

	tag := byte(m.Type)
	size := 1
	switch m.Type {
	case MessageTypeOffer:
		if m.Signed {
			tag |= FlagSigned
			if len(m.Certificate) == 0 {
				return nil, fmt.Errorf("%w: certificate", ErrMissingField)
			}
			size += 2 + len(m.Certificate)
		}
		size += 2 + len(m.PublicKey)
	case MessageTypeResponse:
		size += 2 + len(m.PublicKey)
	case MessageTypeData:
		size += len(m.Payload)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size-1)
	}
	if (m.Type == MessageTypeOffer || m.Type == MessageTypeResponse) && len(m.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: public key", ErrMissingField)
	}

	w := writer{buf: make([]byte, 0, size)}
	w.putByte(tag)
	switch m.Type {
	case MessageTypeOffer:
		if m.Signed {
			if err := w.field(m.Certificate); err != nil {
				return nil, err
			}
		}
		if err := w.field(m.PublicKey); err != nil {
			return nil, err
		}
	case MessageTypeResponse:
		if err := w.field(m.PublicKey); err != nil {
			return nil, err
		}
	case MessageTypeData:
		w.raw(m.Payload)
	}
	return w.buf, nil
}

func EncodeOffer(publicKey, certificate []byte, signed bool) ([]byte, error) {
	return Encode(Message{Type: MessageTypeOffer, Signed: signed, Certificate: certificate, PublicKey: publicKey})
}

func EncodeResponse(publicKey []byte) ([]byte, error) {
	return Encode(Message{Type: MessageTypeResponse, PublicKey: publicKey})
}

func EncodeReady() []byte {
	return []byte{byte(MessageTypeReady)}
}

func EncodeData(ciphertext []byte) ([]byte, error) {
	return Encode(Message{Type: MessageTypeData, Payload: ciphertext})
}

// PeekType reads the tag byte only.
func PeekType(frame []byte) (MessageType, bool, error) {
	if len(frame) == 0 {
		return 0, false, ErrEmptyFrame
	}
	t := MessageType(frame[0] & typeMask)
	if !t.valid() {
		return 0, false, ErrInvalidType
	}
	return t, frame[0]&FlagSigned != 0, nil
}

// Decode parses one frame. Every declared length is checked against the
// bytes actually present before anything is copied. The returned slices do
// not alias frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame)-1)
	}
	t, signed, err := PeekType(frame)
	if err != nil {
		return Message{}, err
	}
	if signed && t != MessageTypeOffer {
		return Message{}, ErrUnexpectedFlag
	}

	m := Message{Type: t, Signed: signed}
	r := reader{buf: frame[1:]}
	switch t {
	case MessageTypeOffer:
		if signed {
			if m.Certificate, err = r.field(); err != nil {
				return Message{}, err
			}
		}
		if m.PublicKey, err = r.field(); err != nil {
			return Message{}, err
		}
	case MessageTypeResponse:
		if m.PublicKey, err = r.field(); err != nil {
			return Message{}, err
		}
	case MessageTypeData:
		m.Payload = r.rest()
	}
	if len(r.buf) != 0 {
		return Message{}, ErrTrailingBytes
	}
	return m, nil
}

type writer struct {
	buf []byte
}

func (w *writer) putByte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) field(b []byte) error {
	if len(b) > math.MaxUint16 {
		return ErrFieldTooLong
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}

type reader struct {
	buf []byte
}

func (r *reader) field() ([]byte, error) {
	if len(r.buf) < 2 {
		return nil, ErrTruncated
	}
	n := int(binary.LittleEndian.Uint16(r.buf))
	if n > len(r.buf)-2 {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrTruncated, n, len(r.buf)-2)
	}
	out := append([]byte(nil), r.buf[2:2+n]...)
	r.buf = r.buf[2+n:]
	return out, nil
}

func (r *reader) rest() []byte {
	out := append([]byte(nil), r.buf...)
	r.buf = nil
	return out
}
