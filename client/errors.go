package client

import "golang.org/x/xerrors"

// ErrHandshakeFailed is returned by Start when the supervisor gives up
// without ever connecting. The internal dial wraps it with detail for an
// invalid status, a mismatched Accept, an unsupported scheme, a failed TLS
// handshake, or a failure reading or parsing the handshake response.
var ErrHandshakeFailed = xerrors.New("client: handshake failed")
