package wsconn

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pepnova/gows/permessage"
	"github.com/pepnova/gows/wsproto"
)

// pipeTransport is an in-memory duplex Transport: each direction is a plain
// bytes.Buffer, so writes never block waiting for a reader - tests write a
// complete exchange before reading it back, unlike a live socket.
type pipeTransport struct {
	r io.Reader
	w io.Writer
}

func (p *pipeTransport) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeTransport) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeTransport) Close() error                { return nil }

func newLinkedConns(t *testing.T, compress bool) (*Conn, *Conn) {
	t.Helper()
	clientToServer := &bytes.Buffer{}
	serverToClient := &bytes.Buffer{}

	var serverCompression, clientCompression *permessage.Context
	if compress {
		serverCompression = permessage.NewContext(permessage.Params{}, false, permessage.DefaultLevel)
		clientCompression = permessage.NewContext(permessage.Params{}, true, permessage.DefaultLevel)
	}

	server := New(&pipeTransport{r: clientToServer, w: serverToClient}, nil, Options{IsClient: false, Compression: serverCompression})
	client := New(&pipeTransport{r: serverToClient, w: clientToServer}, nil, Options{IsClient: true, Compression: clientCompression})
	return server, client
}

func TestSendReceiveSingleFrameTextMessage(t *testing.T) {
	server, client := newLinkedConns(t, false)

	err := client.Send(context.Background(), []byte("hello"), wsproto.OpText, true)
	require.NoError(t, err)

	out := make([]byte, 64)
	res, err := server.Receive(context.Background(), out)
	require.NoError(t, err)
	require.True(t, res.EndOfMessage)
	require.Equal(t, wsproto.OpText, res.MessageType)
	require.Equal(t, "hello", string(out[:res.N]))
}

func TestSendReceiveFragmentedMessage(t *testing.T) {
	server, client := newLinkedConns(t, false)

	require.NoError(t, client.Send(context.Background(), []byte("He"), wsproto.OpText, false))
	require.NoError(t, client.Send(context.Background(), []byte("llo"), wsproto.OpText, true))

	out := make([]byte, 64)
	var got []byte
	for {
		res, err := server.Receive(context.Background(), out)
		require.NoError(t, err)
		got = append(got, out[:res.N]...)
		if res.EndOfMessage {
			break
		}
	}
	require.Equal(t, "Hello", string(got))
}

func TestPingTriggersAutomaticPong(t *testing.T) {
	server, client := newLinkedConns(t, false)

	require.NoError(t, client.writeFrame(wsproto.OpPing, []byte{0x01, 0x02}))

	// Receive absorbs the Ping transparently and writes a Pong in reply;
	// the subsequent header read hits the empty buffer's EOF, which is
	// expected and not asserted on here.
	_, _ = server.Receive(context.Background(), make([]byte, 16))

	cur, err := wsproto.ReadHeader(client.br, 0)
	require.NoError(t, err)
	require.Equal(t, wsproto.OpPong, cur.Header.Opcode)
	payload := make([]byte, cur.Header.PayloadLen)
	_, err = cur.ReadPayload(client.br, payload)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, payload)
}

func TestLocalCloseThenPeerReplyReachesClosed(t *testing.T) {
	server, client := newLinkedConns(t, false)

	require.NoError(t, client.Close(wsproto.CloseNormalClosure, "bye"))
	require.Equal(t, CloseSent, client.State())

	out := make([]byte, 64)
	res, err := server.Receive(context.Background(), out)
	require.NoError(t, err)
	require.NotNil(t, res.CloseStatus)
	require.Equal(t, wsproto.CloseNormalClosure, *res.CloseStatus)
	require.Equal(t, Closed, server.State())

	res, err = client.Receive(context.Background(), out)
	require.NoError(t, err)
	require.NotNil(t, res.CloseStatus)
	require.Equal(t, wsproto.CloseNormalClosure, *res.CloseStatus)
	require.Equal(t, Closed, client.State())
}

func TestCompressedRoundTrip(t *testing.T) {
	server, client := newLinkedConns(t, true)

	msg := bytes.Repeat([]byte("compress me please "), 20)
	require.NoError(t, client.Send(context.Background(), msg, wsproto.OpText, true))

	out := make([]byte, 4096)
	var got []byte
	for {
		res, err := server.Receive(context.Background(), out)
		require.NoError(t, err)
		got = append(got, out[:res.N]...)
		if res.EndOfMessage {
			break
		}
	}
	require.Equal(t, msg, got)
}

func TestSendFailsWhenNotOpen(t *testing.T) {
	_, client := newLinkedConns(t, false)
	require.NoError(t, client.Close(wsproto.CloseNormalClosure, ""))
	err := client.Send(context.Background(), []byte("x"), wsproto.OpText, true)
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestKeepAliveTimeoutClosesConnection(t *testing.T) {
	// A plain bytes.Buffer writer never blocks, unlike io.Pipe, so the
	// close frame the timeout path writes does not need a live reader.
	client := New(&pipeTransport{r: bytes.NewReader(nil), w: &bytes.Buffer{}}, nil, Options{IsClient: true})
	client.keepAliveInterval = 5 * time.Millisecond
	client.startKeepAlive()
	client.pingOutstanding.Store(true) // simulate an unanswered ping already in flight

	require.Eventually(t, func() bool {
		return client.State() != Open
	}, time.Second, time.Millisecond)
}

func TestReceiveUnblocksOnContextCancel(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	conn := New(a, nil, Options{IsClient: true})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	// No bytes ever arrive on the pipe; only the cancellation can
	// unblock this read.
	_, err := conn.Receive(ctx, make([]byte, 16))
	require.ErrorIs(t, err, ErrCancelled)

	// Cancellation must not have written a Close frame.
	require.NoError(t, b.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	n, _ := b.Read(make([]byte, 1))
	require.Zero(t, n)
}

func TestSendUnblocksOnContextCancel(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	conn := New(a, nil, Options{IsClient: true})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	// net.Pipe writes block until the other side reads; nothing ever
	// reads from b, so only the cancellation can unblock this write.
	err := conn.Send(ctx, make([]byte, 64), wsproto.OpBinary, true)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestReceiveRejectsMaskedFrameOnClient(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wsproto.Encode(&buf, wsproto.Frame{Fin: true, Opcode: wsproto.OpText, Masked: true, MaskKey: [4]byte{1, 2, 3, 4}, Payload: []byte("x")}))

	client := New(&pipeTransport{r: &buf, w: io.Discard}, bufio.NewReader(&buf), Options{IsClient: true})
	_, err := client.Receive(context.Background(), make([]byte, 16))
	require.Error(t, err)
}
