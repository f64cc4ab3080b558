// Package server implements the accept loop and handshake driver: for
// each accepted TCP client it obtains a transport (plain or TLS via the
// configured factory), parses the HTTP/1.1 request, negotiates
// sub-protocol and permessage-deflate, emits the 101 response or an error
// status, and then loops assembling whole messages for the interceptor
// pipeline.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/pepnova/gows/httpmsg"
	"github.com/pepnova/gows/interceptor"
	"github.com/pepnova/gows/permessage"
	"github.com/pepnova/gows/wsconn"
	"github.com/pepnova/gows/wsevent"
	"github.com/pepnova/gows/wsproto"
)

// Server accepts TCP clients on a listener and drives the WebSocket
// handshake and message loop for each one.
type Server struct {
	opts     Options
	listener net.Listener
}

// New constructs a Server with opts; fields left at their zero value in
// opts are NOT defaulted here - call Defaults() and override as needed.
func New(opts Options) *Server {
	return &Server{opts: opts}
}

// ListenAndServe binds a TCP listener on opts.Port and accepts connections
// until ctx is cancelled or Listen fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.opts.Port))
	if err != nil {
		return err
	}
	s.listener = ln
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled, dispatching
// each to its own goroutine (one cooperative task per connection, per the
// concurrency model).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleClient(ctx, raw)
	}
}

// Addr returns the listener's bound address; valid only after
// ListenAndServe has been called.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleClient(ctx context.Context, raw net.Conn) {
	cert, err := s.opts.CertificateProvider.CertificateFor(raw)
	if err != nil {
		wsevent.Emit(s.opts.Sink, wsevent.Event{Kind: wsevent.HandshakeFailed, Message: "certificate provider: " + err.Error()})
		_ = raw.Close()
		return
	}

	transport, err := s.opts.TransportFactory.Accept(raw, cert)
	if err != nil {
		wsevent.Emit(s.opts.Sink, wsevent.Event{Kind: wsevent.HandshakeFailed, Message: "transport factory: " + err.Error()})
		_ = raw.Close()
		return
	}

	transport, err = s.opts.Pipeline.AcceptStream(ctx, transport)
	if err != nil || transport == nil {
		_ = raw.Close()
		return
	}

	br := bufio.NewReader(transport)
	conn, _, ok := s.performHandshake(ctx, transport, br)
	if !ok {
		_ = transport.Close()
		return
	}

	s.callConnect(ctx, conn)
	s.runMessageLoop(ctx, conn)
	conn.Abort()
}

// recoverFromPanic converts a panic from caller-supplied interceptor code
// into a controlled InternalError close instead of letting it crash the
// per-connection goroutine out from under the rest of the server.
func (s *Server) recoverFromPanic(conn *wsconn.Conn, stage string) {
	r := recover()
	if r == nil {
		return
	}
	desc := "internal error"
	if s.opts.IncludeExceptionInCloseResponse {
		desc = fmt.Sprintf("panic in %s: %v", stage, r)
	}
	wsevent.Emit(s.opts.Sink, wsevent.Event{Kind: wsevent.InternalError, ConnID: conn.ID, Message: fmt.Sprintf("panic in %s: %v", stage, r)})
	_ = conn.Close(wsproto.CloseInternalError, desc)
}

func (s *Server) callConnect(ctx context.Context, conn *wsconn.Conn) {
	defer s.recoverFromPanic(conn, "OnConnect")
	s.opts.Pipeline.Connect(ctx, conn)
}

func (s *Server) callMessage(ctx context.Context, conn *wsconn.Conn, msg interceptor.Message) {
	defer s.recoverFromPanic(conn, "OnMessage")
	s.opts.Pipeline.Message(ctx, conn, msg)
}

func (s *Server) callClose(ctx context.Context, conn *wsconn.Conn, status wsproto.CloseCode, reason string) {
	defer s.recoverFromPanic(conn, "OnClose")
	s.opts.Pipeline.Close(ctx, conn, status, reason)
}

// performHandshake parses the request, classifies it, negotiates and emits
// the response. ok is false if the connection was terminated (error
// response sent or transport unusable) and the caller must not proceed.
func (s *Server) performHandshake(ctx context.Context, transport wsconn.Transport, br *bufio.Reader) (conn *wsconn.Conn, subprotocol string, ok bool) {
	block, err := httpmsg.ReadBlock(br)
	if xerrors.Is(err, httpmsg.ErrHeaderTooLarge) {
		wsevent.Emit(s.opts.Sink, wsevent.Event{Kind: wsevent.HandshakeFailed, Message: "header block exceeds maximum size"})
		_ = httpmsg.EmitResponse(transport, errorResponse(400, "Bad Request", "request header too large"))
		return nil, "", false
	}
	if err != nil || block == nil {
		wsevent.Emit(s.opts.Sink, wsevent.Event{Kind: wsevent.HandshakeFailed, Message: "reading request"})
		return nil, "", false
	}

	req, err := httpmsg.ParseRequest(block)
	if err != nil {
		_ = httpmsg.EmitResponse(transport, errorResponse(400, "Bad Request", "malformed request"))
		return nil, "", false
	}

	if !classifyUpgrade(req) {
		_ = httpmsg.EmitResponse(transport, errorResponse(426, "Upgrade Required", "this endpoint only accepts WebSocket upgrades"))
		return nil, "", false
	}

	if version, err := strconv.Atoi(req.Header.Get("Sec-WebSocket-Version")); err != nil || version < 13 {
		resp := errorResponse(426, "Upgrade Required", "only WebSocket version 13 is supported")
		resp.Header.Set("Sec-WebSocket-Version", "13")
		_ = httpmsg.EmitResponse(transport, resp)
		return nil, "", false
	}

	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		_ = httpmsg.EmitResponse(transport, errorResponse(400, "Bad Request", "missing Sec-WebSocket-Key"))
		return nil, "", false
	}

	hreq := &interceptor.HandshakeRequest{Path: req.Path}

	subprotocol = negotiateSubProtocol(req.Header.Get("Sec-WebSocket-Protocol"), s.opts.SupportedSubProtocols)
	hreq.Subprotocol = subprotocol

	deflateParams, deflateOK, err := permessage.NegotiateServer(req.Header.Values("Sec-WebSocket-Extensions"), s.opts.PerMessageDeflate)
	if err != nil {
		_ = httpmsg.EmitResponse(transport, errorResponse(400, "Bad Request", err.Error()))
		return nil, "", false
	}

	pipelineResp, err := s.opts.Pipeline.Handshake(ctx, hreq)
	if err != nil {
		_ = httpmsg.EmitResponse(transport, errorResponse(500, "Internal Server Error", "handshake interceptor failed"))
		return nil, "", false
	}
	if pipelineResp.Status != 101 {
		_ = httpmsg.EmitResponse(transport, errorResponse(pipelineResp.Status, "Rejected", "handshake rejected"))
		return nil, "", false
	}
	if pipelineResp.Subprotocol != "" {
		subprotocol = pipelineResp.Subprotocol
	}

	accept := computeAccept(key)
	resp := buildUpgradeResponse(accept, subprotocol, deflateParams, deflateOK)
	if err := httpmsg.EmitResponse(transport, resp); err != nil {
		return nil, "", false
	}
	wsevent.Emit(s.opts.Sink, wsevent.Event{Kind: wsevent.HandshakeCompleted, Message: req.Path})

	var compression *permessage.Context
	if deflateOK {
		compression = permessage.NewContext(deflateParams, false, permessage.DefaultLevel)
	}

	conn = wsconn.New(transport, br, wsconn.Options{
		IsClient:          false,
		Subprotocol:       subprotocol,
		Compression:       compression,
		KeepAliveInterval: s.opts.KeepAliveInterval,
		MaxMessageSize:    s.opts.MaxMessageSize,
		Sink:              s.opts.Sink,
	})
	return conn, subprotocol, true
}

// runMessageLoop assembles whole messages from conn and dispatches each to
// the pipeline's OnMessage, until the connection closes or fails.
func (s *Server) runMessageLoop(ctx context.Context, conn *wsconn.Conn) {
	buf := make([]byte, 32*1024)
	var assembled []byte
	var msgType wsproto.Opcode

	for {
		res, err := conn.Receive(ctx, buf)
		if err != nil {
			s.opts.Pipeline.Error(ctx, conn, err)
			return
		}
		if res.CloseStatus != nil {
			s.callClose(ctx, conn, *res.CloseStatus, "")
			return
		}

		assembled = append(assembled, buf[:res.N]...)
		if msgType == 0 {
			msgType = res.MessageType
		}
		if res.EndOfMessage {
			s.callMessage(ctx, conn, interceptor.Message{Type: msgType, Data: assembled})
			assembled = nil
			msgType = 0
		}
	}
}
