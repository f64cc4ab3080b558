package httpmsg

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadBlockFindsTerminatorWithoutOverreading(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: x\r\n\r\nEXTRA-FRAME-BYTES"
	r := bufio.NewReaderSize(strings.NewReader(raw), 1024)
	block, err := ReadBlock(r)
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n", string(block))

	rest := make([]byte, len("EXTRA-FRAME-BYTES"))
	n, err := r.Read(rest)
	require.NoError(t, err)
	require.Equal(t, "EXTRA-FRAME-BYTES", string(rest[:n]))
}

func TestReadBlockEOFBeforeTerminatorReturnsEmpty(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(""))
	block, err := ReadBlock(r)
	require.NoError(t, err)
	require.Nil(t, block)
}

func TestReadBlockTooLarge(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("GET / HTTP/1.1\r\n")
	for i := 0; i < MaxHeaderSize; i++ {
		sb.WriteString("x")
	}
	r := bufio.NewReader(strings.NewReader(sb.String()))
	_, err := ReadBlock(r)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestParseRequestAndHeaderFolding(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"X-Long: part-one\r\n" +
		" part-two\r\n" +
		"Upgrade: websocket\r\n\r\n"
	req, err := ParseRequest([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/chat", req.Path)
	require.Equal(t, "example.com", req.Header.Get("host"))
	require.Equal(t, "part-one part-two", req.Header.Get("X-Long"))
	require.True(t, req.Header.HasToken("Upgrade", "websocket"))
}

func TestParseRequestSkipsMalformedLine(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nNotAHeaderLine\r\nHost: x\r\n\r\n"
	req, err := ParseRequest([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "x", req.Header.Get("Host"))
}

func TestEmitRequestRoundTrip(t *testing.T) {
	req := NewRequest("GET", "/ws")
	req.Header.Add("Host", "example.com")
	req.Header.Add("Sec-WebSocket-Protocol", "chat")
	req.Header.Add("Sec-WebSocket-Protocol", "superchat")

	var buf bytes.Buffer
	require.NoError(t, EmitRequest(&buf, req))

	got, err := ParseRequest(buf.Bytes())
	require.NoError(t, err)
	require.True(t, req.Header.Equal(got.Header))
	require.Equal(t, req.Method, got.Method)
	require.Equal(t, req.Path, got.Path)
}

func TestEmitResponseRoundTrip(t *testing.T) {
	resp := NewResponse(101, "Switching Protocols")
	resp.Header.Set("Upgrade", "websocket")
	resp.Header.Set("Connection", "Upgrade")
	resp.Header.Set("Sec-WebSocket-Accept", "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")

	var buf bytes.Buffer
	require.NoError(t, EmitResponse(&buf, resp))

	got, err := ParseResponse(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint16(101), got.Status)
	require.True(t, resp.Header.Equal(got.Header))
}
