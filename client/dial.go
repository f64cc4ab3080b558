package client

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/pepnova/gows/httpmsg"
	"github.com/pepnova/gows/permessage"
	"github.com/pepnova/gows/wsconn"
)

// wsGUID is the RFC 6455 §1.3 magic string appended to the client's
// Sec-WebSocket-Key before hashing - the same constant the server side
// computes its Accept value with.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// dialResult is everything dial produces once the 101 response
// has been validated.
type dialResult struct {
	conn        *wsconn.Conn
	subprotocol string
}

// aLongTimeAgo is a fixed past deadline: applying it forces the pending
// handshake read or write to fail immediately when ctx is cancelled.
var aLongTimeAgo = time.Unix(1, 0)

// dial performs the full client-side connect for one URI: opens the TCP
// (or TLS) transport, emits the handshake request, validates the 101
// response, and constructs the Conn. Cancelling ctx aborts the connect
// and any handshake I/O still in flight.
func dial(ctx context.Context, uri string, opts Options) (*dialResult, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, xerrors.Errorf("client: parsing uri: %w", err)
	}

	var useTLS bool
	switch u.Scheme {
	case "ws":
		useTLS = false
	case "wss":
		useTLS = true
	default:
		return nil, xerrors.Errorf("%w: unsupported scheme %q", ErrHandshakeFailed, u.Scheme)
	}

	host := u.Host
	if !strings.Contains(host, ":") {
		if useTLS {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, xerrors.Errorf("client: dialing %s: %w", host, err)
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(opts.NoDelay)
	}

	// Watch ctx for the rest of the handshake: a cancellation forces the
	// connection's deadline into the past so whichever read or write is
	// in flight fails instead of blocking until the peer responds.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = raw.SetDeadline(aLongTimeAgo)
		case <-stop:
		}
	}()

	var transport wsconn.Transport = raw
	if useTLS {
		tlsConn := tls.Client(raw, opts.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, xerrors.Errorf("%w: tls handshake: %v", ErrHandshakeFailed, err)
		}
		transport = tlsConn
	}

	key, err := generateKey()
	if err != nil {
		_ = transport.Close()
		return nil, xerrors.Errorf("client: generating Sec-WebSocket-Key: %w", err)
	}

	req := buildRequest(u, host, key, opts)
	if err := httpmsg.EmitRequest(transport, req); err != nil {
		_ = transport.Close()
		return nil, xerrors.Errorf("client: writing handshake request: %w", err)
	}

	br := bufio.NewReader(transport)
	block, err := httpmsg.ReadBlock(br)
	if err != nil || block == nil {
		_ = transport.Close()
		return nil, xerrors.Errorf("%w: reading handshake response: %v", ErrHandshakeFailed, err)
	}

	resp, err := httpmsg.ParseResponse(block)
	if err != nil {
		_ = transport.Close()
		return nil, xerrors.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if err := validateResponse(resp, key); err != nil {
		_ = transport.Close()
		return nil, err
	}

	subprotocol := resp.Header.Get("Sec-WebSocket-Protocol")

	var compression *permessage.Context
	if params, ok := permessage.NegotiateClient(resp.Header.Values("Sec-WebSocket-Extensions")); ok {
		compression = permessage.NewContext(params, true, permessage.DefaultLevel)
	}

	// The handshake is done; clear any deadline the ctx watcher may have
	// forced so the connection starts with unbounded I/O.
	_ = raw.SetDeadline(time.Time{})

	conn := wsconn.New(transport, br, wsconn.Options{
		IsClient:          true,
		Subprotocol:       subprotocol,
		Compression:       compression,
		KeepAliveInterval: opts.KeepAliveInterval,
		MaxMessageSize:    opts.MaxMessageSize,
		Sink:              opts.Sink,
	})

	return &dialResult{conn: conn, subprotocol: subprotocol}, nil
}

// buildRequest assembles the handshake request: Host, Upgrade, Connection,
// Sec-WebSocket-Key, Origin, optional Sec-WebSocket-Protocol/Extensions,
// Sec-WebSocket-Version, plus any caller-supplied additional headers.
func buildRequest(u *url.URL, host, key string, opts Options) *httpmsg.Request {
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	req := httpmsg.NewRequest("GET", path)
	req.Header.Set("Host", host)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if opts.Origin != "" {
		req.Header.Set("Origin", opts.Origin)
	}
	if opts.SecWebSocketProtocol != "" {
		req.Header.Set("Sec-WebSocket-Protocol", opts.SecWebSocketProtocol)
	}
	if opts.SecWebSocketExtensions != "" {
		req.Header.Set("Sec-WebSocket-Extensions", opts.SecWebSocketExtensions)
	} else if opts.PerMessageDeflate.Enabled {
		req.Header.Set("Sec-WebSocket-Extensions", permessage.RequestExtensionValue(opts.PerMessageDeflate))
	}
	for name, values := range opts.AdditionalHTTPHeaders {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	return req
}

// validateResponse requires status 101 and a matching Sec-WebSocket-Accept.
func validateResponse(resp *httpmsg.Response, key string) error {
	if resp.Status != 101 {
		return xerrors.Errorf("%w: unexpected status %d", ErrHandshakeFailed, resp.Status)
	}
	want := computeAccept(key)
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Accept"))
	if got != want {
		return xerrors.Errorf("%w: Sec-WebSocket-Accept mismatch: got %q want %q", ErrHandshakeFailed, got, want)
	}
	return nil
}

// computeAccept returns base64(sha1(key + wsGUID)), identical to the
// server-side computation in server/handshake.go.
func computeAccept(key string) string {
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// generateKey returns a base64-encoded, 16-byte cryptographically random
// Sec-WebSocket-Key, per RFC 6455 §4.1.
func generateKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", xerrors.Errorf("reading random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
