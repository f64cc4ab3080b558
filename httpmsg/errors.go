package httpmsg

import "golang.org/x/xerrors"

// Sentinel error kinds returned by Read/Parse. Callers compare with
// xerrors.Is (or errors.Is, since these are created with xerrors.New and
// satisfy the standard error interface).
var (
	// ErrHeaderTooLarge is returned when the header block exceeds MaxHeaderSize
	// without a terminator being found.
	ErrHeaderTooLarge = xerrors.New("httpmsg: header block exceeds maximum size")

	// ErrMalformedFirstLine is returned when the first line is neither a
	// valid request line nor a valid status line. Callers on the server
	// side should treat this as "not HTTP" rather than a hard protocol
	// error, since it may simply be a non-WebSocket client.
	ErrMalformedFirstLine = xerrors.New("httpmsg: malformed request or status line")

	// ErrUnexpectedEOF is returned when the transport closes before a
	// terminator is seen but after at least one byte was read.
	ErrUnexpectedEOF = xerrors.New("httpmsg: unexpected eof reading headers")
)
