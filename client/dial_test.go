package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pepnova/gows/client"
	"github.com/pepnova/gows/interceptor"
	"github.com/pepnova/gows/server"
	"github.com/pepnova/gows/wsconn"
	"github.com/pepnova/gows/wsproto"
)

// startEchoServer starts a server.Server on an ephemeral port whose
// OnMessage interceptor echoes every message straight back.
func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	builder := &interceptor.Builder{}
	builder.OnMessage(func(ctx context.Context, conn *wsconn.Conn, msg interceptor.Message, next func(*wsconn.Conn, interceptor.Message)) {
		_ = conn.Send(ctx, msg.Data, msg.Type, true)
	})

	opts := server.Defaults()
	opts.Pipeline = builder.Build()
	opts.KeepAliveInterval = 0

	srv := server.New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, ln) }()

	return ln.Addr().String(), func() {
		cancel()
		_ = ln.Close()
	}
}

// TestClientDialAndEchoRoundTrip exercises the full client stack (dial,
// the reconnect supervisor's Connected state, pipeline OnMessage
// dispatch) against a live server.Server instance.
func TestClientDialAndEchoRoundTrip(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	received := make(chan interceptor.Message, 1)
	builder := &interceptor.Builder{}
	builder.OnMessage(func(ctx context.Context, conn *wsconn.Conn, msg interceptor.Message, next func(*wsconn.Conn, interceptor.Message)) {
		received <- msg
	})

	opts := client.Defaults()
	opts.KeepAliveInterval = 0
	opts.Pipeline = builder.Build()
	c := client.New(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx, "ws://"+addr+"/"))
	require.Equal(t, client.Connected, c.State())

	require.NoError(t, c.Send(ctx, []byte("hello"), wsproto.OpText, true))

	select {
	case msg := <-received:
		require.Equal(t, wsproto.OpText, msg.Type)
		require.Equal(t, "hello", string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	c.Stop()
}

func TestStartUnblocksWhenContextCancelledMidHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		// Accept the TCP connect but never answer the handshake, so
		// only cancellation can unblock the dial.
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(500 * time.Millisecond)
		}
	}()

	c := client.New(client.Defaults())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = c.Start(ctx, "ws://"+ln.Addr().String()+"/")
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestClientDialUnreachableFailsFast(t *testing.T) {
	opts := client.Defaults()
	c := client.New(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Start(ctx, "ws://127.0.0.1:1/")
	require.Error(t, err)
}
