// Package interceptor implements the ordered middleware pipeline for the
// six connection lifecycle events. Each event kind is a (possibly empty)
// list of interceptors wrapping a terminal handler, composed once at
// construction: the first registered interceptor is the outermost wrapper
// and runs first, and any interceptor may short-circuit by not calling
// next.
package interceptor

import (
	"context"

	"github.com/pepnova/gows/wsconn"
	"github.com/pepnova/gows/wsproto"
)

// AcceptStreamFunc produces the raw transport for an accepted client; Next
// returns whatever the inner stage produced (the live connection, or a
// replacement stream an interceptor substituted).
type AcceptStreamFunc func(ctx context.Context, raw wsconn.Transport, next func(wsconn.Transport) (wsconn.Transport, error)) (wsconn.Transport, error)

// HandshakeFunc wraps the handshake response before it is written to the
// client, e.g. to add headers or reject the upgrade outright.
type HandshakeFunc func(ctx context.Context, req *HandshakeRequest, next func(*HandshakeRequest) (*HandshakeResponse, error)) (*HandshakeResponse, error)

// ConnectFunc, CloseFunc, ErrorFunc and MessageFunc wrap the corresponding
// void lifecycle events; the terminal stage is a no-op.
type ConnectFunc func(ctx context.Context, conn *wsconn.Conn, next func(*wsconn.Conn))
type CloseFunc func(ctx context.Context, conn *wsconn.Conn, status wsproto.CloseCode, reason string, next func(*wsconn.Conn, wsproto.CloseCode, string))
type ErrorFunc func(ctx context.Context, conn *wsconn.Conn, err error, next func(*wsconn.Conn, error))
type MessageFunc func(ctx context.Context, conn *wsconn.Conn, msg Message, next func(*wsconn.Conn, Message))

// Message is one complete, assembled message handed to OnMessage: the
// accumulated bytes across however many fragments composed it.
type Message struct {
	Type wsproto.Opcode
	Data []byte
}

// HandshakeRequest and HandshakeResponse are the pipeline-visible shape of
// the handshake exchange; they stand in for httpmsg.Request/Response so
// this package does not need to import httpmsg for its own sake.
type HandshakeRequest struct {
	Path        string
	Subprotocol string
	Extensions  []string
}

type HandshakeResponse struct {
	Status      uint16
	Subprotocol string
	Extensions  string
}

// Pipeline holds one composed chain per event kind, built once by Build and
// safe to invoke concurrently afterward (the chains are read-only).
type Pipeline struct {
	acceptStream func(ctx context.Context, raw wsconn.Transport) (wsconn.Transport, error)
	handshake    func(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error)
	connect      func(ctx context.Context, conn *wsconn.Conn)
	close        func(ctx context.Context, conn *wsconn.Conn, status wsproto.CloseCode, reason string)
	errorFn      func(ctx context.Context, conn *wsconn.Conn, err error)
	message      func(ctx context.Context, conn *wsconn.Conn, msg Message)
}

// Builder accumulates interceptors for each event kind in registration
// order. The zero value is ready to use.
type Builder struct {
	acceptStream []AcceptStreamFunc
	handshake    []HandshakeFunc
	connect      []ConnectFunc
	close        []CloseFunc
	errorFn      []ErrorFunc
	message      []MessageFunc
}

func (b *Builder) OnAcceptStream(f AcceptStreamFunc) *Builder {
	b.acceptStream = append(b.acceptStream, f)
	return b
}

func (b *Builder) OnHandshake(f HandshakeFunc) *Builder {
	b.handshake = append(b.handshake, f)
	return b
}

func (b *Builder) OnConnect(f ConnectFunc) *Builder {
	b.connect = append(b.connect, f)
	return b
}

func (b *Builder) OnClose(f CloseFunc) *Builder {
	b.close = append(b.close, f)
	return b
}

func (b *Builder) OnError(f ErrorFunc) *Builder {
	b.errorFn = append(b.errorFn, f)
	return b
}

func (b *Builder) OnMessage(f MessageFunc) *Builder {
	b.message = append(b.message, f)
	return b
}

// Build folds each list into a single closure, innermost (terminal) first,
// so that interceptor i's `next` is interceptor i+1 and the last
// registered interceptor's `next` is the terminal handler.
func (b *Builder) Build() *Pipeline {
	return &Pipeline{
		acceptStream: buildAcceptStream(b.acceptStream),
		handshake:    buildHandshake(b.handshake),
		connect:      buildConnect(b.connect),
		close:        buildClose(b.close),
		errorFn:      buildError(b.errorFn),
		message:      buildMessage(b.message),
	}
}

func buildAcceptStream(chain []AcceptStreamFunc) func(context.Context, wsconn.Transport) (wsconn.Transport, error) {
	terminal := func(ctx context.Context, raw wsconn.Transport) (wsconn.Transport, error) { return raw, nil }
	for i := len(chain) - 1; i >= 0; i-- {
		f := chain[i]
		inner := terminal
		terminal = func(ctx context.Context, raw wsconn.Transport) (wsconn.Transport, error) {
			return f(ctx, raw, func(t wsconn.Transport) (wsconn.Transport, error) { return inner(ctx, t) })
		}
	}
	return terminal
}

func buildHandshake(chain []HandshakeFunc) func(context.Context, *HandshakeRequest) (*HandshakeResponse, error) {
	terminal := func(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error) {
		return &HandshakeResponse{Status: 101, Subprotocol: req.Subprotocol}, nil
	}
	for i := len(chain) - 1; i >= 0; i-- {
		f := chain[i]
		inner := terminal
		terminal = func(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error) {
			return f(ctx, req, func(r *HandshakeRequest) (*HandshakeResponse, error) { return inner(ctx, r) })
		}
	}
	return terminal
}

func buildConnect(chain []ConnectFunc) func(context.Context, *wsconn.Conn) {
	terminal := func(ctx context.Context, conn *wsconn.Conn) {}
	for i := len(chain) - 1; i >= 0; i-- {
		f := chain[i]
		inner := terminal
		terminal = func(ctx context.Context, conn *wsconn.Conn) {
			f(ctx, conn, func(c *wsconn.Conn) { inner(ctx, c) })
		}
	}
	return terminal
}

func buildClose(chain []CloseFunc) func(context.Context, *wsconn.Conn, wsproto.CloseCode, string) {
	terminal := func(ctx context.Context, conn *wsconn.Conn, status wsproto.CloseCode, reason string) {}
	for i := len(chain) - 1; i >= 0; i-- {
		f := chain[i]
		inner := terminal
		terminal = func(ctx context.Context, conn *wsconn.Conn, status wsproto.CloseCode, reason string) {
			f(ctx, conn, status, reason, func(c *wsconn.Conn, s wsproto.CloseCode, r string) { inner(ctx, c, s, r) })
		}
	}
	return terminal
}

func buildError(chain []ErrorFunc) func(context.Context, *wsconn.Conn, error) {
	terminal := func(ctx context.Context, conn *wsconn.Conn, err error) {}
	for i := len(chain) - 1; i >= 0; i-- {
		f := chain[i]
		inner := terminal
		terminal = func(ctx context.Context, conn *wsconn.Conn, err error) {
			f(ctx, conn, err, func(c *wsconn.Conn, e error) { inner(ctx, c, e) })
		}
	}
	return terminal
}

func buildMessage(chain []MessageFunc) func(context.Context, *wsconn.Conn, Message) {
	terminal := func(ctx context.Context, conn *wsconn.Conn, msg Message) {}
	for i := len(chain) - 1; i >= 0; i-- {
		f := chain[i]
		inner := terminal
		terminal = func(ctx context.Context, conn *wsconn.Conn, msg Message) {
			f(ctx, conn, msg, func(c *wsconn.Conn, m Message) { inner(ctx, c, m) })
		}
	}
	return terminal
}

// AcceptStream, Handshake, Connect, Close, Error and Message invoke the
// composed chain for their event; they are the only entry points the
// server/client drivers call.
func (p *Pipeline) AcceptStream(ctx context.Context, raw wsconn.Transport) (wsconn.Transport, error) {
	return p.acceptStream(ctx, raw)
}

func (p *Pipeline) Handshake(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error) {
	return p.handshake(ctx, req)
}

func (p *Pipeline) Connect(ctx context.Context, conn *wsconn.Conn) {
	p.connect(ctx, conn)
}

func (p *Pipeline) Close(ctx context.Context, conn *wsconn.Conn, status wsproto.CloseCode, reason string) {
	p.close(ctx, conn, status, reason)
}

func (p *Pipeline) Error(ctx context.Context, conn *wsconn.Conn, err error) {
	p.errorFn(ctx, conn, err)
}

func (p *Pipeline) Message(ctx context.Context, conn *wsconn.Conn, msg Message) {
	p.message(ctx, conn, msg)
}
