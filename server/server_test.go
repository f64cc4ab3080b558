package server_test

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pepnova/gows/interceptor"
	"github.com/pepnova/gows/server"
	"github.com/pepnova/gows/wsconn"
	"github.com/pepnova/gows/wsproto"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// dialWebSocket performs a raw, hand-rolled client handshake against
// addr, so the accept-loop's wire behavior is exercised independently of
// this module's own client package.
func dialWebSocket(t *testing.T, addr, path string) (net.Conn, *bufio.Reader) {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: addr, Path: path}

	conn, err := net.Dial("tcp", u.Host)
	require.NoError(t, err)

	key := "w3CJHMbDL2EzLkh9GBhXDw=="
	req := fmt.Sprintf("GET %s HTTP/1.1\r\n", u.RequestURI()) +
		fmt.Sprintf("Host: %s\r\n", u.Host) +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		fmt.Sprintf("Sec-WebSocket-Key: %s\r\n", key) +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "101")

	var accept string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Sec-WebSocket-Accept") {
			accept = strings.TrimSpace(value)
		}
	}

	sum := sha1.Sum([]byte(key + wsGUID))
	require.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), accept)

	return conn, reader
}

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

func TestAcceptLoopEchoesTextFrame(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	conn, reader := dialWebSocket(t, addr, "/")
	defer conn.Close()

	require.NoError(t, wsproto.Encode(conn, wsproto.Frame{
		Fin: true, Opcode: wsproto.OpText, Masked: true, MaskKey: [4]byte{1, 2, 3, 4}, Payload: []byte("Hi"),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	cur, err := wsproto.ReadHeader(reader, 0)
	require.NoError(t, err)
	require.Equal(t, wsproto.OpText, cur.Header.Opcode)
	payload := make([]byte, cur.Header.PayloadLen)
	_, err = cur.ReadPayload(reader, payload)
	require.NoError(t, err)
	require.Equal(t, "Hi", string(payload))
}

func TestAcceptLoopRespondsToPing(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	conn, reader := dialWebSocket(t, addr, "/")
	defer conn.Close()

	require.NoError(t, wsproto.Encode(conn, wsproto.Frame{
		Fin: true, Opcode: wsproto.OpPing, Masked: true, MaskKey: [4]byte{0x37, 0xFA, 0x21, 0x3D}, Payload: []byte{0x01, 0x02},
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	cur, err := wsproto.ReadHeader(reader, 0)
	require.NoError(t, err)
	require.Equal(t, wsproto.OpPong, cur.Header.Opcode)
	payload := make([]byte, cur.Header.PayloadLen)
	_, err = cur.ReadPayload(reader, payload)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, payload)
}

func TestNonUpgradeRequestGets426(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "426")
}

func TestOversizedHeaderGets400(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)
	junk := strings.Repeat("X-Pad: "+strings.Repeat("a", 100)+"\r\n", 200)
	_, err = conn.Write([]byte(junk))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "400")
}
