package permessage

import "golang.org/x/xerrors"

// ErrIncompatibleTakeover is returned by NegotiateServer when the peer
// requested a context-takeover mode this server has configured as
// DontAllow; the handshake driver turns this into a 400 response.
var ErrIncompatibleTakeover = xerrors.New("permessage: peer requested context-takeover mode this server does not allow")
