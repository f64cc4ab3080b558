package permessage

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// DefaultLevel is flate.BestSpeed: permessage-deflate is meant to shrink
// bytes-on-the-wire cheaply, not to maximize ratio at the cost of
// per-message CPU.
const DefaultLevel = flate.BestSpeed

// trailer is the 4-byte DEFLATE "sync flush" marker RFC 7692 §7.2.1
// requires every compressed message to end with on the wire, and which a
// compliant sender strips before transmitting.
var trailer = []byte{0x00, 0x00, 0xFF, 0xFF}

// finalBlock is an empty, final (BFINAL=1) stored block. A sync-flushed
// message never carries a final block of its own, so the inflater needs
// this appended after the trailer to reach a clean end of stream instead
// of reporting an unexpected EOF.
var finalBlock = []byte{0x01, 0x00, 0x00, 0xFF, 0xFF}

// maxWindow is the largest distance a DEFLATE back-reference can span,
// and so the most history a decompressor needs carried forward as a
// dictionary to keep context-takeover semantics correct across messages.
const maxWindow = 32768

// Context holds the persistent (or per-message, depending on negotiated
// takeover mode) DEFLATE compressor and decompressor for one connection.
// It is not safe for concurrent use; the connection's send-mutex and
// single-reader discipline keep Compress and Decompress from overlapping.
type Context struct {
	level int

	compressResetEachMessage   bool
	decompressResetEachMessage bool

	compressor   *flate.Writer
	compressBuf  bytes.Buffer
	decompressor io.ReadCloser
	// decompressDict carries the trailing maxWindow bytes of everything
	// inflated so far, fed back into the decompressor via flate.Resetter
	// so a fresh src Reader each message doesn't lose the sliding window
	// when context takeover is allowed.
	decompressDict []byte
}

// NewContext builds a Context for one connection from the negotiated
// Params and whether this side is the client. level is the DEFLATE
// compression level used for outgoing messages (DefaultLevel if 0).
func NewContext(params Params, isClient bool, level int) *Context {
	if level == 0 {
		level = DefaultLevel
	}
	c := &Context{level: level}
	if isClient {
		c.compressResetEachMessage = params.ClientNoContextTakeover
		c.decompressResetEachMessage = params.ServerNoContextTakeover
	} else {
		c.compressResetEachMessage = params.ServerNoContextTakeover
		c.decompressResetEachMessage = params.ClientNoContextTakeover
	}
	return c
}

// CompressMessage compresses the complete (all fragments concatenated)
// uncompressed message and returns the DEFLATE block with its trailing
// "00 00 FF FF" sync-flush bytes stripped, per RFC 7692 §7.2.1. If context
// takeover is disabled for this direction, the compressor's window is
// discarded after the call so the next message starts fresh.
func (c *Context) CompressMessage(payload []byte) ([]byte, error) {
	c.compressBuf.Reset()
	if c.compressor == nil {
		w, err := flate.NewWriter(&c.compressBuf, c.level)
		if err != nil {
			return nil, err
		}
		c.compressor = w
	}
	// When context takeover is allowed, the writer above is reused as-is:
	// resetting it would also discard its DEFLATE window. Only the
	// destination buffer is cleared; the writer keeps appending to the
	// same underlying bytes.Buffer object, so its internal state (and the
	// compression history) carries over untouched between messages.

	if _, err := c.compressor.Write(payload); err != nil {
		return nil, err
	}
	if err := c.compressor.Flush(); err != nil {
		return nil, err
	}

	raw := c.compressBuf.Bytes()
	out := make([]byte, len(raw)-len(trailer))
	copy(out, raw[:len(out)])

	if c.compressResetEachMessage {
		c.compressor = nil
	}
	return out, nil
}

// DecompressMessage re-appends the RFC 7692 trailer to the complete
// (all fragments concatenated) compressed message and inflates it. If
// context takeover is disabled for this direction, the decompressor's
// window is discarded after the call.
func (c *Context) DecompressMessage(payload []byte) ([]byte, error) {
	raw := append(append([]byte(nil), payload...), trailer...)
	src := bytes.NewReader(append(raw, finalBlock...))

	if c.decompressor == nil {
		c.decompressor = flate.NewReaderDict(src, c.decompressDict)
	} else if r, ok := c.decompressor.(flate.Resetter); ok {
		if err := r.Reset(src, c.decompressDict); err != nil {
			return nil, err
		}
	}

	out, err := io.ReadAll(c.decompressor)
	if err != nil {
		return nil, err
	}

	if c.decompressResetEachMessage {
		c.decompressor = nil
		c.decompressDict = nil
	} else {
		c.decompressDict = slideWindow(c.decompressDict, out)
	}
	return out, nil
}

// slideWindow appends data to window and trims it down to the trailing
// maxWindow bytes, the most a DEFLATE back-reference can ever need.
func slideWindow(window, data []byte) []byte {
	window = append(window, data...)
	if len(window) > maxWindow {
		window = window[len(window)-maxWindow:]
	}
	return append([]byte(nil), window...)
}
