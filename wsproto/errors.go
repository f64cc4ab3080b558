package wsproto

import "golang.org/x/xerrors"

// ProtocolError is returned by ReadHeader and FragmentTracker.Observe when
// the wire bytes violate RFC 6455 framing rules. The caller (wsconn) is expected to
// close the connection with CloseProtocolError.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "wsproto: protocol error: " + e.Reason
}

func protocolErrorf(reason string) error {
	return &ProtocolError{Reason: reason}
}

// MessageTooBig is returned when a frame's declared payload length exceeds
// the configured maximum.
type MessageTooBig struct {
	Declared uint64
	Max      uint64
}

func (e *MessageTooBig) Error() string {
	return xerrors.Errorf("wsproto: payload length %d exceeds max %d", e.Declared, e.Max).Error()
}
