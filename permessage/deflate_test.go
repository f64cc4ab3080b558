package permessage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	enc := NewContext(Params{}, false, 0)
	dec := NewContext(Params{}, true, 0)

	msg := []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog, and again: the quick brown fox jumps over the lazy dog")
	compressed, err := enc.CompressMessage(msg)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(msg))

	got, err := dec.DecompressMessage(compressed)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestNoContextTakeoverStillRoundTrips(t *testing.T) {
	params := Params{ServerNoContextTakeover: true, ClientNoContextTakeover: true}
	enc := NewContext(params, false, 0)
	dec := NewContext(params, true, 0)

	for i := 0; i < 3; i++ {
		msg := []byte("message number")
		compressed, err := enc.CompressMessage(msg)
		require.NoError(t, err)
		got, err := dec.DecompressMessage(compressed)
		require.NoError(t, err)
		require.Equal(t, msg, got)
	}
}

func TestNegotiateServerAcceptsOffer(t *testing.T) {
	cfg := DefaultConfig()
	params, ok, err := NegotiateServer([]string{"permessage-deflate"}, cfg)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, params.ServerNoContextTakeover)
	require.False(t, params.ClientNoContextTakeover)
}

func TestNegotiateServerForceDisabledAlwaysSetsBothFlags(t *testing.T) {
	cfg := Config{Enabled: true, ServerContextTakeover: ForceDisabled, ClientContextTakeover: ForceDisabled}
	params, ok, err := NegotiateServer([]string{"permessage-deflate"}, cfg)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, params.ServerNoContextTakeover)
	require.True(t, params.ClientNoContextTakeover)

	value := ResponseExtensionValue(params)
	require.Contains(t, value, "server_no_context_takeover")
	require.Contains(t, value, "client_no_context_takeover")
}

func TestNegotiateServerRejectsIncompatibleDontAllow(t *testing.T) {
	cfg := Config{Enabled: true, ServerContextTakeover: Allow, ClientContextTakeover: DontAllow}
	_, _, err := NegotiateServer([]string{"permessage-deflate; client_no_context_takeover"}, cfg)
	require.ErrorIs(t, err, ErrIncompatibleTakeover)
}

func TestNegotiateServerNoOfferMeansNotAccepted(t *testing.T) {
	cfg := DefaultConfig()
	_, ok, err := NegotiateServer(nil, cfg)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNegotiateClientParsesAck(t *testing.T) {
	params, ok := NegotiateClient([]string{"permessage-deflate; server_no_context_takeover; client_no_context_takeover"})
	require.True(t, ok)
	require.True(t, params.ServerNoContextTakeover)
	require.True(t, params.ClientNoContextTakeover)
}
