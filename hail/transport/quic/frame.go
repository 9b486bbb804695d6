package quic

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFramePayload limits a single stream frame payload.
	MaxFramePayload = 1 << 20 // 1 MiB

	// compressThreshold is the smallest payload worth compressing.
	compressThreshold = 256
)

var (
	ErrFrameTooLarge = errors.New("quic: frame payload too large")
	ErrInvalidFrame  = errors.New("quic: invalid frame type")
	ErrDecompression = errors.New("quic: decompression failed")
)

type frameType uint8

const (
	frameOpen   frameType = 1 // first frame on a connection's stream
	framePacket frameType = 2 // one application datagram
	framePing   frameType = 3
	framePong   frameType = 4
)

const flagCompressed = 0x01

// frame is the stream container.
// Format:
//
//	1 byte: type
//	1 byte: flags
//	4 bytes: payload length (big endian)
//	N bytes: payload
type frame struct {
	typ     frameType
	payload []byte
}

var compressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var decompressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)

	w.Reset(&buf)
	_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)

	r.Reset(bytes.NewReader(data))
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, MaxFramePayload+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	if n > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}
	return buf.Bytes(), nil
}

// frameWriter serializes frames onto one stream. Callers serialize access.
type frameWriter struct {
	bw       *bufio.Writer
	compress bool
}

func newFrameWriter(w io.Writer, compress bool) *frameWriter {
	return &frameWriter{bw: bufio.NewWriter(w), compress: compress}
}

func (fw *frameWriter) write(f frame) error {
	if f.typ == 0 || f.typ > framePong {
		return ErrInvalidFrame
	}
	if len(f.payload) > MaxFramePayload {
		return ErrFrameTooLarge
	}

	var flags byte
	payload := f.payload
	if fw.compress && f.typ == framePacket && len(payload) >= compressThreshold {
		if c, err := compress(payload); err == nil && len(c) < len(payload) {
			payload = c
			flags |= flagCompressed
		}
	}

	var hdr [6]byte
	hdr[0] = byte(f.typ)
	hdr[1] = flags
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(payload)))
	if _, err := fw.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := fw.bw.Write(payload); err != nil {
		return err
	}
	return fw.bw.Flush()
}

// frameReader parses frames from one stream. The buffered reader persists
// across calls so bytes read ahead are not lost.
type frameReader struct {
	br *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{br: bufio.NewReader(r)}
}

func (fr *frameReader) read() (frame, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(fr.br, hdr[:]); err != nil {
		return frame{}, err
	}
	typ := frameType(hdr[0])
	if typ == 0 || typ > framePong {
		return frame{}, ErrInvalidFrame
	}
	n := binary.BigEndian.Uint32(hdr[2:])
	if n > MaxFramePayload {
		return frame{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.br, payload); err != nil {
		return frame{}, err
	}
	if hdr[1]&flagCompressed != 0 {
		var err error
		if payload, err = decompress(payload); err != nil {
			return frame{}, err
		}
	}
	return frame{typ: typ, payload: payload}, nil
}
