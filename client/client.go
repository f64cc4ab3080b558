// Package client implements the dial handshake driver and the reconnect
// manager: a Client establishes one WebSocket
// connection to a server URI and, if configured, transparently redials
// with exponential backoff and jitter when the connection drops.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/pepnova/gows/interceptor"
	"github.com/pepnova/gows/wsconn"
	"github.com/pepnova/gows/wsevent"
	"github.com/pepnova/gows/wsproto"
)

// Client owns at most one live Conn at a time and, with reconnect enabled,
// transparently replaces it after a drop per the supervisor loop in
// reconnect.go.
type Client struct {
	opts Options

	mu    sync.Mutex
	conn  *wsconn.Conn
	state ManagerState

	rc *reconnector
}

// New constructs a Client with opts; it does not connect until Start is
// called.
func New(opts Options) *Client {
	return &Client{opts: opts, state: Disconnected}
}

// Start dials uri and, with reconnect enabled, launches the background
// supervisor that redials after a drop. It returns once the supervisor
// first reaches Connected, or once it stops without ever connecting; with
// reconnect enabled, failed dials are retried before Start returns. Later
// redials happen in the background and are observed via State/Conn.
//
// Cancelling ctx aborts the supervisor and any pending dial, read or
// write without sending a Close frame; call Stop for a deliberate,
// close-handshake shutdown.
func (c *Client) Start(ctx context.Context, uri string) error {
	firstAttempt := make(chan error, 1)
	var once sync.Once

	c.rc = newReconnector(uri, c.opts, c.setState, func(runCtx context.Context, result *dialResult) error {
		c.mu.Lock()
		c.conn = result.conn
		c.mu.Unlock()

		c.callConnect(runCtx, result.conn)
		once.Do(func() { firstAttempt <- nil })
		return c.runUntilDisconnect(runCtx, result.conn)
	})

	go func() {
		c.rc.run(ctx)
		once.Do(func() { firstAttempt <- errDialFailed(c.rc) })
	}()

	select {
	case err := <-firstAttempt:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errDialFailed gives Start's first-attempt error channel its value once
// the supervisor has stopped without reaching Connected: ErrHandshakeFailed
// when it ended Failed or Disconnected, nil otherwise (e.g. after Stop).
func errDialFailed(r *reconnector) error {
	if r.state == Failed || r.state == Disconnected {
		return ErrHandshakeFailed
	}
	return nil
}

// runUntilDisconnect drives conn's receive loop, assembling messages for
// the pipeline's OnMessage, until it closes, fails, or the context is
// cancelled; mirrors server.Server.runMessageLoop for the client side.
func (c *Client) runUntilDisconnect(ctx context.Context, conn *wsconn.Conn) error {
	defer conn.Abort()
	buf := make([]byte, 32*1024)
	var assembled []byte
	var msgType wsproto.Opcode

	for {
		res, err := conn.Receive(ctx, buf)
		if err != nil {
			if c.opts.Pipeline != nil {
				c.opts.Pipeline.Error(ctx, conn, err)
			}
			return err
		}
		if res.CloseStatus != nil {
			c.callClose(ctx, conn, *res.CloseStatus, "")
			return nil
		}

		assembled = append(assembled, buf[:res.N]...)
		if msgType == 0 {
			msgType = res.MessageType
		}
		if res.EndOfMessage {
			c.callMessage(ctx, conn, interceptor.Message{Type: msgType, Data: assembled})
			assembled = nil
			msgType = 0
		}
	}
}

// recoverFromPanic converts a panic from caller-supplied interceptor code
// into a controlled InternalError close instead of letting it crash the
// connection's goroutine. Unlike server.Options, client.Options carries no
// IncludeExceptionInCloseResponse toggle, so the close description never
// includes the panic value.
func (c *Client) recoverFromPanic(conn *wsconn.Conn, stage string) {
	r := recover()
	if r == nil {
		return
	}
	wsevent.Emit(c.opts.Sink, wsevent.Event{Kind: wsevent.InternalError, ConnID: conn.ID, Message: fmt.Sprintf("panic in %s: %v", stage, r)})
	_ = conn.Close(wsproto.CloseInternalError, "internal error")
}

func (c *Client) callConnect(ctx context.Context, conn *wsconn.Conn) {
	if c.opts.Pipeline == nil {
		return
	}
	defer c.recoverFromPanic(conn, "OnConnect")
	c.opts.Pipeline.Connect(ctx, conn)
}

func (c *Client) callMessage(ctx context.Context, conn *wsconn.Conn, msg interceptor.Message) {
	if c.opts.Pipeline == nil {
		return
	}
	defer c.recoverFromPanic(conn, "OnMessage")
	c.opts.Pipeline.Message(ctx, conn, msg)
}

func (c *Client) callClose(ctx context.Context, conn *wsconn.Conn, status wsproto.CloseCode, reason string) {
	if c.opts.Pipeline == nil {
		return
	}
	defer c.recoverFromPanic(conn, "OnClose")
	c.opts.Pipeline.Close(ctx, conn, status, reason)
}

func (c *Client) setState(s ManagerState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the reconnect manager's current state.
func (c *Client) State() ManagerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conn returns the currently active connection, or nil if not connected.
func (c *Client) Conn() *wsconn.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Send writes buf on the current connection. It fails with ErrNotOpen if
// there is no active connection.
func (c *Client) Send(ctx context.Context, buf []byte, messageType wsproto.Opcode, endOfMessage bool) error {
	conn := c.Conn()
	if conn == nil {
		return wsconn.ErrNotOpen
	}
	return conn.Send(ctx, buf, messageType, endOfMessage)
}

// Stop initiates a normal close of the active connection (if any) and
// stops the reconnect supervisor: Disconnecting, cancel the supervisor,
// close if Open.
func (c *Client) Stop() {
	conn := c.Conn()
	if conn != nil && conn.State() == wsconn.Open {
		_ = conn.Close(wsproto.CloseNormalClosure, "client stop")
	}
	if c.rc != nil {
		c.rc.stop()
	}
}
