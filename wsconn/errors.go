package wsconn

import (
	"golang.org/x/xerrors"

	"github.com/pepnova/gows/wsproto"
)

// InvalidPayload is returned for bad UTF-8 in a text frame or a malformed
// close status.
type InvalidPayload struct {
	Reason string
}

func (e *InvalidPayload) Error() string {
	return "wsconn: invalid payload: " + e.Reason
}

// ErrEndpointUnavailable is returned from Receive when the transport is
// gone (EOF before or in the middle of a frame).
var ErrEndpointUnavailable = xerrors.New("wsconn: endpoint unavailable")

// ErrCancelled is returned from Receive/Send when the caller's context is
// cancelled while the operation is pending. Cancellation aborts the
// transport I/O only; no Close frame is written in response.
var ErrCancelled = xerrors.New("wsconn: operation cancelled")

// ErrNotOpen is returned by Send when the connection is not in the Open
// state, and by Receive when a Close frame arrives after the connection is
// already Closed or Aborted. Close and CloseOutput return nil in that case.
var ErrNotOpen = xerrors.New("wsconn: connection is not open")

// closeCodeFor maps an error produced while processing a frame to the
// close status sent back to the peer.
func closeCodeFor(err error) wsproto.CloseCode {
	var tooBig *wsproto.MessageTooBig
	if xerrors.As(err, &tooBig) {
		return wsproto.CloseMessageTooBig
	}
	var protoErr *wsproto.ProtocolError
	if xerrors.As(err, &protoErr) {
		return wsproto.CloseProtocolError
	}
	var invalid *InvalidPayload
	if xerrors.As(err, &invalid) {
		return wsproto.CloseInvalidPayloadData
	}
	if xerrors.Is(err, ErrEndpointUnavailable) {
		return wsproto.CloseGoingAway
	}
	return wsproto.CloseInternalError
}
