// Package wsproto implements the RFC 6455 frame codec: parsing and
// serializing WebSocket frames with masking, payload-length encoding,
// opcode handling and fragment continuation semantics. It knows nothing
// about connection state, keep-alive or compression negotiation - those
// live in wsconn and permessage.
package wsproto

import (
	"encoding/binary"
	"io"
)

// Header is the decoded, fixed-size part of a frame: everything up to and
// including the mask key, before any payload bytes are read.
type Header struct {
	Fin        bool
	Rsv1       bool // set for the first frame of a permessage-deflate message
	Rsv2       bool
	Rsv3       bool
	Opcode     Opcode
	Masked     bool
	PayloadLen uint64
	MaskKey    [4]byte
}

// Frame is a complete, in-memory frame: a Header plus its (already
// unmasked) payload. Encode/Decode operate in terms of Frame for the
// "whole frame fits in memory" case; Cursor below supports the streaming
// case where payload may be larger than the caller's buffer.
type Frame struct {
	Fin     bool
	Rsv1    bool
	Rsv2    bool
	Rsv3    bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

const maxControlPayload = 125

// Cursor tracks progress through one frame's payload across possibly many
// ReadPayload calls, mirroring the data-model's ReadCursor: created by
// ReadHeader, destroyed (BytesLeft == 0) once the payload has been fully
// delivered.
type Cursor struct {
	Header    Header
	BytesRead uint32
	BytesLeft uint64
	maskPos   int
}

// ReadHeader parses one frame header (2 bytes, then the extended length
// and mask key if present) from r and returns a Cursor positioned at the
// start of the payload. maxPayload, if nonzero, enforces the MessageTooBig
// check against the frame's declared length before any payload is read.
func ReadHeader(r io.Reader, maxPayload uint64) (*Cursor, error) {
	var first [2]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return nil, err
	}

	h := Header{
		Fin:    first[0]&0x80 != 0,
		Rsv1:   first[0]&0x40 != 0,
		Rsv2:   first[0]&0x20 != 0,
		Rsv3:   first[0]&0x10 != 0,
		Opcode: Opcode(first[0] & 0x0F),
		Masked: first[1]&0x80 != 0,
	}
	if h.Opcode.IsReserved() {
		return nil, protocolErrorf("reserved opcode 0x" + hex(byte(h.Opcode)))
	}

	length := uint64(first[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length&(1<<63) != 0 {
			return nil, protocolErrorf("extended length has MSB set")
		}
	}
	h.PayloadLen = length

	if h.Opcode.IsControl() {
		if !h.Fin {
			return nil, protocolErrorf("control frame is fragmented")
		}
		if length > maxControlPayload {
			return nil, protocolErrorf("control frame payload exceeds 125 bytes")
		}
	}

	if maxPayload > 0 && length > maxPayload {
		return nil, &MessageTooBig{Declared: length, Max: maxPayload}
	}

	if h.Masked {
		if _, err := io.ReadFull(r, h.MaskKey[:]); err != nil {
			return nil, err
		}
	}

	return &Cursor{Header: h, BytesLeft: length}, nil
}

// ReadPayload reads up to len(dst) bytes of the current frame's payload
// from r into dst, unmasking in place if the frame is masked, and returns
// the number of bytes delivered. It may be called repeatedly until
// BytesLeft reaches 0; the caller must not call ReadHeader again until
// then.
func (c *Cursor) ReadPayload(r io.Reader, dst []byte) (int, error) {
	want := uint64(len(dst))
	if want > c.BytesLeft {
		want = c.BytesLeft
	}
	if want == 0 {
		return 0, nil
	}
	n, err := io.ReadFull(r, dst[:want])
	if n > 0 {
		if c.Header.Masked {
			c.maskPos = unmask(c.Header.MaskKey, c.maskPos, dst[:n])
		}
		c.BytesRead += uint32(n)
		c.BytesLeft -= uint64(n)
	}
	return n, err
}

// Done reports whether the current frame's payload has been fully
// delivered.
func (c *Cursor) Done() bool {
	return c.BytesLeft == 0
}

// unmask XORs buf in place against key, starting at the given rolling
// position (key[pos%4]), and returns the new rolling position so masking
// stays aligned when one payload is delivered across multiple reads.
func unmask(key [4]byte, pos int, buf []byte) int {
	for i := range buf {
		buf[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}

// Encode writes f to w as a single frame: header (with fin bit, rsv1 only
// set if f.Rsv1, opcode), 7/16/64-bit length depending on payload size, a
// 4-byte mask key and masked payload if f.Masked, else the raw payload.
func Encode(w io.Writer, f Frame) error {
	header := encodeHeader(f)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if !f.Masked {
		_, err := w.Write(f.Payload)
		return err
	}
	masked := make([]byte, len(f.Payload))
	copy(masked, f.Payload)
	unmask(f.MaskKey, 0, masked)
	_, err := w.Write(masked)
	return err
}

func encodeHeader(f Frame) []byte {
	b0 := byte(f.Opcode) & 0x0F
	if f.Fin {
		b0 |= 0x80
	}
	if f.Rsv1 {
		b0 |= 0x40
	}
	if f.Rsv2 {
		b0 |= 0x20
	}
	if f.Rsv3 {
		b0 |= 0x10
	}

	l := len(f.Payload)
	maskBit := byte(0)
	if f.Masked {
		maskBit = 0x80
	}

	var header []byte
	switch {
	case l <= 125:
		header = []byte{b0, maskBit | byte(l)}
	case l <= 0xFFFF:
		header = make([]byte, 4)
		header[0] = b0
		header[1] = maskBit | 126
		binary.BigEndian.PutUint16(header[2:], uint16(l))
	default:
		header = make([]byte, 10)
		header[0] = b0
		header[1] = maskBit | 127
		binary.BigEndian.PutUint64(header[2:], uint64(l))
	}
	if f.Masked {
		header = append(header, f.MaskKey[:]...)
	}
	return header
}

// DecodeFrame reads one complete frame (header and payload) from r, for
// callers that do not need the streaming Cursor API - e.g. control-frame
// handling where the payload is always small.
func DecodeFrame(r io.Reader, maxPayload uint64) (Frame, error) {
	cur, err := ReadHeader(r, maxPayload)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, cur.Header.PayloadLen)
	if cur.Header.PayloadLen > 0 {
		if _, err := cur.ReadPayload(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{
		Fin:     cur.Header.Fin,
		Rsv1:    cur.Header.Rsv1,
		Rsv2:    cur.Header.Rsv2,
		Rsv3:    cur.Header.Rsv3,
		Opcode:  cur.Header.Opcode,
		Masked:  cur.Header.Masked,
		MaskKey: cur.Header.MaskKey,
		Payload: payload,
	}, nil
}

func hex(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xF]})
}
