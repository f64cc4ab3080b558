package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pepnova/gows/httpmsg"
)

func TestComputeAcceptReferenceVector(t *testing.T) {
	// RFC 6455 §1.3 worked example.
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", computeAccept("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestNegotiateSubProtocol(t *testing.T) {
	supported := []string{"chat", "superchat"}

	require.Equal(t, "chat", negotiateSubProtocol("chat, superchat", supported))
	require.Equal(t, "superchat", negotiateSubProtocol("SUPERCHAT", supported))
	require.Equal(t, "chat", negotiateSubProtocol(`"chat"`, supported))
	require.Equal(t, "", negotiateSubProtocol("unknown", supported))
	require.Equal(t, "", negotiateSubProtocol("", supported))
	require.Equal(t, "", negotiateSubProtocol("chat", nil))
}

func TestClassifyUpgrade(t *testing.T) {
	req := httpmsg.NewRequest("GET", "/")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "keep-alive, Upgrade")
	require.True(t, classifyUpgrade(req))

	plain := httpmsg.NewRequest("GET", "/")
	plain.Header.Set("Connection", "keep-alive")
	require.False(t, classifyUpgrade(plain))
}
