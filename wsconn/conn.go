// Package wsconn implements the per-connection state machine: the
// Open -> CloseSent/CloseReceived -> Closed/Aborted lifecycle, control
// frame handling, keep-alive ping/pong, and write serialization over a
// single send-mutex.
package wsconn

import (
	"bufio"
	"context"
	"crypto/rand"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/pepnova/gows/bytebuf"
	"github.com/pepnova/gows/permessage"
	"github.com/pepnova/gows/wsevent"
	"github.com/pepnova/gows/wsproto"
)

// Transport is the byte-oriented duplex stream a Conn owns exclusively
// (plain TCP or TLS).
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Options configures a new Conn.
type Options struct {
	IsClient          bool
	Subprotocol       string
	Compression       *permessage.Context
	KeepAliveInterval time.Duration
	MaxMessageSize    uint64 // 0 = unlimited
	Sink              wsevent.Sink
}

// ReceiveResult is returned by Receive: the number of bytes delivered into
// the caller's buffer, the message type the bytes belong to, whether this
// was the final chunk of the message, and - only set on a Close result - the
// peer's close status.
type ReceiveResult struct {
	N            int
	MessageType  wsproto.Opcode
	EndOfMessage bool
	CloseStatus  *wsproto.CloseCode
}

// Conn is one WebSocket endpoint. It owns its transport exclusively:
// Abort and CloseOutput close the transport; Close only sends the Close
// frame.
type Conn struct {
	ID          string
	isClient    bool
	subprotocol string

	transport Transport
	br        *bufio.Reader

	compression    *permessage.Context
	maxMessageSize uint64
	sink           wsevent.Sink

	sendMu sync.Mutex

	stateMu         sync.Mutex
	state           State
	closeStatus     wsproto.CloseCode
	peerCloseStatus wsproto.CloseCode

	cursor    *wsproto.Cursor
	fragments wsproto.FragmentTracker

	// compressedAccum buffers raw (still-compressed) fragment payloads
	// for a message whose first frame carried rsv1, since DEFLATE needs
	// the complete block before it can be inflated. compressedMsg is true
	// while such a message is in progress, so its rsv1-less continuation
	// frames route into the same accumulator.
	compressedAccum *bytebuf.Buffer
	compressedMsg   bool
	pendingOut      []byte
	pendingType     wsproto.Opcode

	// textValidator checks UTF-8 validity across however many ReadPayload
	// calls (and frames) make up one Text message, so a codepoint split
	// across a buffer or frame boundary is not mistaken for an error, and
	// invalid bytes in an early chunk are not masked by a valid final one.
	textValidator utf8Validator

	// sendAccum buffers outgoing fragments of a message that will be
	// compressed as a single DEFLATE block once Send is called with
	// endOfMessage=true.
	sendAccum         *bytebuf.Buffer
	sendInProgress    bool
	pendingSendOpcode wsproto.Opcode

	keepAliveInterval time.Duration
	// pingOutstanding is written by the keep-alive goroutine and cleared
	// by the receive path on an incoming Pong, so it is an atomic.Bool
	// rather than a plain bool.
	pingOutstanding atomic.Bool
	lastPingAt      time.Time
	keepAliveCancel context.CancelFunc
	keepAliveDone   chan struct{}
}

// New wraps transport (with br as its buffered reader, typically the same
// *bufio.Reader the handshake codec used, so no bytes read during the
// handshake are lost) as an Open Conn.
func New(transport Transport, br *bufio.Reader, opts Options) *Conn {
	if br == nil {
		br = bufio.NewReader(transport)
	}
	c := &Conn{
		ID:                uuid.NewString(),
		isClient:          opts.IsClient,
		subprotocol:       opts.Subprotocol,
		transport:         transport,
		br:                br,
		compression:       opts.Compression,
		maxMessageSize:    opts.MaxMessageSize,
		sink:              opts.Sink,
		state:             Open,
		peerCloseStatus:   wsproto.CloseNoStatusReceived,
		keepAliveInterval: opts.KeepAliveInterval,
	}
	if c.keepAliveInterval > 0 {
		c.startKeepAlive()
	}
	return c
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Subprotocol returns the negotiated sub-protocol, or "" if none.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	prev := c.state
	if prev == Closed || prev == Aborted {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	c.stateMu.Unlock()
	if prev != s {
		wsevent.Emit(c.sink, wsevent.Event{Kind: wsevent.StateChanged, ConnID: c.ID, State: s.String()})
	}
}

// Receive delivers the next chunk of the current (or next) incoming
// message into out. Control frames are handled transparently: Ping
// triggers an automatic Pong, Pong clears the outstanding-ping marker,
// Close transitions state and is reported back to the caller as a
// ReceiveResult with CloseStatus set. If a partial frame is already in
// progress (from a previous Receive call), it is continued before a new
// header is parsed. Cancelling ctx aborts a read already blocked on the
// transport and returns ErrCancelled without writing a Close frame.
func (c *Conn) Receive(ctx context.Context, out []byte) (res ReceiveResult, err error) {
	if n := c.drainPending(out); n > 0 {
		return ReceiveResult{N: n, MessageType: c.pendingType, EndOfMessage: len(c.pendingOut) == 0}, nil
	}

	finish := watchCancel(ctx, c.deadlineFunc())
	defer func() { err = finish(err) }()

	for {
		if cerr := ctx.Err(); cerr != nil {
			return ReceiveResult{}, xerrors.Errorf("%w: %v", ErrCancelled, cerr)
		}

		if c.cursor == nil || c.cursor.Done() {
			cur, err := wsproto.ReadHeader(c.br, c.maxMessageSize)
			if err != nil {
				return c.handleReceiveError(ctx, err)
			}
			c.cursor = cur

			if c.isClient && cur.Header.Masked {
				return c.handleReceiveError(ctx, &wsproto.ProtocolError{Reason: "client received masked frame"})
			}
			if !c.isClient && !cur.Header.Masked {
				return c.handleReceiveError(ctx, &wsproto.ProtocolError{Reason: "server received unmasked frame"})
			}

			if cur.Header.Rsv2 || cur.Header.Rsv3 {
				return c.handleReceiveError(ctx, &wsproto.ProtocolError{Reason: "reserved bit set without a negotiated extension"})
			}
			if cur.Header.Rsv1 && c.compression == nil {
				return c.handleReceiveError(ctx, &wsproto.ProtocolError{Reason: "rsv1 set without negotiated permessage-deflate"})
			}

			if cur.Header.Opcode.IsControl() {
				result, handled, err := c.handleControlFrame(cur)
				if err != nil {
					return c.handleReceiveError(ctx, err)
				}
				if handled {
					return result, nil
				}
				continue
			}

			if err := c.fragments.Observe(cur.Header); err != nil {
				return c.handleReceiveError(ctx, err)
			}
		}

		if c.compression != nil && (c.cursor.Header.Rsv1 || c.compressedMsg) {
			result, more, err := c.receiveCompressed(out)
			if err != nil {
				return c.handleReceiveError(ctx, err)
			}
			if more {
				continue
			}
			return result, nil
		}
		return c.receivePlain(ctx, out)
	}
}

func (c *Conn) drainPending(out []byte) int {
	if len(c.pendingOut) == 0 {
		return 0
	}
	n := copy(out, c.pendingOut)
	c.pendingOut = c.pendingOut[n:]
	return n
}

func (c *Conn) receivePlain(ctx context.Context, out []byte) (ReceiveResult, error) {
	n, err := c.cursor.ReadPayload(c.br, out)
	if err != nil {
		return c.handleReceiveError(ctx, err)
	}
	msgType := c.fragments.MessageType()
	end := c.cursor.Done() && c.cursor.Header.Fin

	// Text messages are validated incrementally across every ReadPayload
	// call (and frame) that makes up the message, not just the bytes
	// delivered by this call, so invalid UTF-8 anywhere in the message -
	// not only its final chunk - fails the connection.
	if msgType == wsproto.OpText {
		if verr := c.textValidator.Write(out[:n]); verr != nil {
			c.textValidator = utf8Validator{}
			return c.handleReceiveError(ctx, verr)
		}
		if end {
			verr := c.textValidator.Close()
			c.textValidator = utf8Validator{}
			if verr != nil {
				return c.handleReceiveError(ctx, verr)
			}
		}
	}
	return ReceiveResult{N: n, MessageType: msgType, EndOfMessage: end}, nil
}

// receiveCompressed accumulates one frame's worth of still-compressed
// payload. more=true tells the caller to go read another frame; once the
// final fragment of the message has been absorbed it inflates the whole
// block and reports the first chunk of plaintext.
func (c *Conn) receiveCompressed(out []byte) (result ReceiveResult, more bool, err error) {
	if c.compressedAccum == nil {
		c.compressedAccum = bytebuf.New(256)
	}
	c.compressedMsg = true
	chunk := make([]byte, c.cursor.BytesLeft)
	if len(chunk) > 0 {
		if _, err := c.cursor.ReadPayload(c.br, chunk); err != nil {
			return ReceiveResult{}, false, err
		}
		_, _ = c.compressedAccum.Write(chunk)
	}
	if !c.cursor.Done() || !c.cursor.Header.Fin {
		return ReceiveResult{}, true, nil
	}

	msgType := c.fragments.MessageType()
	compressed := append([]byte(nil), c.compressedAccum.CommittedSlice()...)
	c.compressedAccum.Reset()
	c.compressedMsg = false

	inflated, err := c.compression.DecompressMessage(compressed)
	if err != nil {
		return ReceiveResult{}, false, &InvalidPayload{Reason: "decompression failed: " + err.Error()}
	}

	if msgType == wsproto.OpText && !utf8.Valid(inflated) {
		return ReceiveResult{}, false, &InvalidPayload{Reason: "text message is not valid utf-8"}
	}

	c.pendingOut = inflated
	c.pendingType = msgType
	n := c.drainPending(out)
	return ReceiveResult{N: n, MessageType: msgType, EndOfMessage: len(c.pendingOut) == 0}, false, nil
}

func (c *Conn) handleReceiveError(ctx context.Context, err error) (ReceiveResult, error) {
	if cerr := ctx.Err(); cerr != nil {
		// Cancellation aborts the pending read; per the cancellation
		// contract no Close frame is written for it.
		return ReceiveResult{}, xerrors.Errorf("%w: %v", ErrCancelled, cerr)
	}
	if err == io.EOF || xerrors.Is(err, io.ErrUnexpectedEOF) {
		c.setState(Aborted)
		return ReceiveResult{}, xerrors.Errorf("%w: %v", ErrEndpointUnavailable, err)
	}
	code := closeCodeFor(err)
	c.autoClose(code, err.Error())
	return ReceiveResult{}, err
}

// autoCloseBudget bounds how long the Close write triggered by a receive
// failure is allowed to block on a stalled or unresponsive peer.
const autoCloseBudget = 5 * time.Second

// deadlineSetter is implemented by net.Conn and *tls.Conn; Transport does
// not require it, so it is type-asserted on a best-effort basis rather than
// added to the interface every Transport implementer would have to satisfy.
type deadlineSetter interface {
	SetWriteDeadline(t time.Time) error
}

// aLongTimeAgo is a fixed past deadline: applying it forces a transport
// read or write that is already in flight to fail immediately.
var aLongTimeAgo = time.Unix(1, 0)

// deadlineFunc returns the transport's combined read+write deadline
// setter, or nil when the transport cannot set deadlines (cancellation is
// then only observed between transport operations).
func (c *Conn) deadlineFunc() func(time.Time) error {
	if ds, ok := c.transport.(interface{ SetDeadline(t time.Time) error }); ok {
		return ds.SetDeadline
	}
	return nil
}

// writeDeadlineFunc is deadlineFunc for the write half only.
func (c *Conn) writeDeadlineFunc() func(time.Time) error {
	if ds, ok := c.transport.(deadlineSetter); ok {
		return ds.SetWriteDeadline
	}
	return nil
}

// watchCancel interrupts a pending transport operation when ctx is
// cancelled: a watcher goroutine forces the deadline into the past so the
// blocked io call fails promptly, and the returned finish func (which the
// caller must invoke exactly once, on every exit path) clears the forced
// deadline again and rewrites the resulting error into ErrCancelled.
func watchCancel(ctx context.Context, set func(time.Time) error) (finish func(error) error) {
	if ctx.Done() == nil || set == nil {
		return func(err error) error { return err }
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = set(aLongTimeAgo)
		case <-stop:
		}
	}()
	return func(err error) error {
		close(stop)
		if ctx.Err() == nil {
			return err
		}
		_ = set(time.Time{})
		if err != nil && !xerrors.Is(err, ErrCancelled) {
			return xerrors.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return err
	}
}

// autoClose writes a Close frame in response to a receive-path failure
// under the autoCloseBudget: if the underlying transport supports write
// deadlines, one is set so a stalled peer cannot block the close
// indefinitely. Any failure during this best-effort close is swallowed and
// logged rather than propagated, since the caller is already returning the
// original error that triggered the close.
func (c *Conn) autoClose(status wsproto.CloseCode, description string) {
	if ds, ok := c.transport.(deadlineSetter); ok {
		_ = ds.SetWriteDeadline(time.Now().Add(autoCloseBudget))
		defer ds.SetWriteDeadline(time.Time{})
	}
	if err := c.Close(status, description); err != nil {
		wsevent.Emit(c.sink, wsevent.Event{Kind: wsevent.InternalError, ConnID: c.ID, Message: "auto-close failed: " + err.Error(), Err: err})
	}
}

// handleControlFrame reads a control frame's payload and reacts to it.
// handled is true when the caller's Receive should return immediately
// (Close); false means the loop should continue looking for a data frame.
func (c *Conn) handleControlFrame(cur *wsproto.Cursor) (ReceiveResult, bool, error) {
	payload := make([]byte, cur.Header.PayloadLen)
	if cur.Header.PayloadLen > 0 {
		if _, err := cur.ReadPayload(c.br, payload); err != nil {
			return ReceiveResult{}, false, err
		}
	}
	c.cursor = nil

	switch cur.Header.Opcode {
	case wsproto.OpPing:
		wsevent.Emit(c.sink, wsevent.Event{Kind: wsevent.FrameReceived, ConnID: c.ID, Opcode: cur.Header.Opcode.String(), Message: "replying pong"})
		if err := c.writeFrame(wsproto.OpPong, payload); err != nil {
			return ReceiveResult{}, false, err
		}
		return ReceiveResult{}, false, nil
	case wsproto.OpPong:
		c.pingOutstanding.Store(false)
		wsevent.Emit(c.sink, wsevent.Event{Kind: wsevent.PongReceived, ConnID: c.ID})
		return ReceiveResult{}, false, nil
	case wsproto.OpClose:
		status, reason := parseClosePayload(payload)
		result, err := c.handlePeerClose(status, reason)
		return result, true, err
	default:
		return ReceiveResult{}, false, &wsproto.ProtocolError{Reason: "unknown control opcode"}
	}
}

func parseClosePayload(payload []byte) (wsproto.CloseCode, string) {
	if len(payload) < 2 {
		return wsproto.CloseNoStatusReceived, ""
	}
	status := wsproto.CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
	body := string(payload[2:])
	if body != "" && !utf8.ValidString(body) {
		return wsproto.CloseInvalidPayloadData, "invalid utf8 body in close frame"
	}
	return status, body
}

// handlePeerClose implements the peer-initiated half of the close
// handshake: record the peer status, move to CloseReceived, reply with an
// empty-payload Close of the same status, then Closed.
func (c *Conn) handlePeerClose(status wsproto.CloseCode, reason string) (ReceiveResult, error) {
	c.stateMu.Lock()
	prev := c.state
	c.stateMu.Unlock()

	switch prev {
	case Closed, Aborted:
		wsevent.Emit(c.sink, wsevent.Event{Kind: wsevent.CloseCompleted, ConnID: c.ID, Message: "duplicate close ignored"})
		return ReceiveResult{}, ErrNotOpen
	case CloseSent:
		c.peerCloseStatus = status
		c.setState(Closed)
	default:
		c.peerCloseStatus = status
		c.setState(CloseReceived)
		_ = c.writeFrame(wsproto.OpClose, closePayload(status, ""))
		c.setState(Closed)
	}
	wsevent.Emit(c.sink, wsevent.Event{Kind: wsevent.CloseCompleted, ConnID: c.ID, Status: uint16(status), Message: reason})
	s := status
	return ReceiveResult{MessageType: wsproto.OpClose, EndOfMessage: true, CloseStatus: &s}, nil
}

// Send wraps buf as a single frame (the normative default) or a
// continuation of a previous non-final Send, applying compression across
// the whole message if negotiated. It acquires the send-mutex for the
// duration of the network write and fails if the connection is not Open.
// Cancelling ctx aborts a write already blocked on the transport and
// returns ErrCancelled.
func (c *Conn) Send(ctx context.Context, buf []byte, messageType wsproto.Opcode, endOfMessage bool) (err error) {
	if c.State() != Open {
		return ErrNotOpen
	}
	if cerr := ctx.Err(); cerr != nil {
		return xerrors.Errorf("%w: %v", ErrCancelled, cerr)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	finish := watchCancel(ctx, c.writeDeadlineFunc())
	defer func() { err = finish(err) }()

	opcode := messageType
	if c.pendingSendOpcode != 0 || c.sendInProgress {
		opcode = wsproto.OpContinuation
	} else {
		c.pendingSendOpcode = messageType
	}
	c.sendInProgress = !endOfMessage

	if c.compression == nil || messageType.IsControl() {
		err := c.writeFrameLocked(wsproto.Frame{
			Fin:     endOfMessage,
			Opcode:  opcode,
			Masked:  c.isClient,
			Payload: buf,
		})
		if endOfMessage {
			c.pendingSendOpcode = 0
		}
		return err
	}

	if c.sendAccum == nil {
		c.sendAccum = bytebuf.New(len(buf))
	}
	_, _ = c.sendAccum.Write(buf)
	if !endOfMessage {
		return nil
	}

	whole := append([]byte(nil), c.sendAccum.CommittedSlice()...)
	c.sendAccum.Reset()
	compressed, err := c.compression.CompressMessage(whole)
	if err != nil {
		return err
	}
	finalOpcode := c.pendingSendOpcode
	c.pendingSendOpcode = 0
	return c.writeFrameLocked(wsproto.Frame{
		Fin:     true,
		Rsv1:    true,
		Opcode:  finalOpcode,
		Masked:  c.isClient,
		Payload: compressed,
	})
}

// writeFrame acquires the send-mutex and writes a single unfragmented,
// uncompressed frame - used for control frames (Pong, Close), which are
// never compressed.
func (c *Conn) writeFrame(opcode wsproto.Opcode, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.writeFrameLocked(wsproto.Frame{Fin: true, Opcode: opcode, Masked: c.isClient, Payload: payload})
}

func (c *Conn) writeFrameLocked(f wsproto.Frame) error {
	if f.Masked {
		var key [4]byte
		randomMaskKey(key[:])
		f.MaskKey = key
	}
	wsevent.Emit(c.sink, wsevent.Event{Kind: wsevent.FrameSent, ConnID: c.ID, Opcode: f.Opcode.String()})
	return wsproto.Encode(c.transport, f)
}

// randomMaskKey fills key with 4 cryptographically random bytes.
func randomMaskKey(key []byte) {
	if _, err := rand.Read(key); err != nil {
		// crypto/rand.Read only fails if the OS CSPRNG is unavailable;
		// falling back to zero bytes keeps the frame well-formed rather
		// than panicking mid-write.
		for i := range key {
			key[i] = 0
		}
	}
}

func closePayload(status wsproto.CloseCode, reason string) []byte {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	buf := make([]byte, 2+len(reason))
	buf[0] = byte(status >> 8)
	buf[1] = byte(status)
	copy(buf[2:], reason)
	return buf
}

// Close writes a Close frame with the given status and description and
// transitions to CloseSent. If the connection is already not Open, this is
// a logged no-op.
func (c *Conn) Close(status wsproto.CloseCode, description string) error {
	c.stateMu.Lock()
	if c.state != Open {
		prev := c.state
		c.stateMu.Unlock()
		wsevent.Emit(c.sink, wsevent.Event{Kind: wsevent.CloseInitiated, ConnID: c.ID, Message: "close on non-open connection (" + prev.String() + ")"})
		return nil
	}
	c.stateMu.Unlock()

	wsevent.Emit(c.sink, wsevent.Event{Kind: wsevent.CloseInitiated, ConnID: c.ID, Status: uint16(status), Message: description})
	err := c.writeFrame(wsproto.OpClose, closePayload(status, description))
	c.closeStatus = status
	c.setState(CloseSent)
	return err
}

// CloseOutput writes the same Close payload as Close but transitions
// directly to Closed and closes the transport, which fails pending reads -
// for use when the peer is assumed unresponsive.
func (c *Conn) CloseOutput(status wsproto.CloseCode, description string) error {
	c.stateMu.Lock()
	if c.state != Open {
		c.stateMu.Unlock()
		return nil
	}
	c.stateMu.Unlock()

	err := c.writeFrame(wsproto.OpClose, closePayload(status, description))
	c.closeStatus = status
	c.setState(Closed)
	c.stopKeepAlive()
	_ = c.transport.Close()
	return err
}

// Abort transitions to Aborted, cancels pending I/O and does not write a
// Close frame.
func (c *Conn) Abort() {
	c.setState(Aborted)
	c.stopKeepAlive()
	_ = c.transport.Close()
}

// PeerCloseStatus returns the status the peer sent in its Close frame, or
// CloseNoStatusReceived if none has been received yet.
func (c *Conn) PeerCloseStatus() wsproto.CloseCode {
	return c.peerCloseStatus
}
