package wsproto

// FragmentTracker enforces the continuation-frame invariants from the
// frame codec's validation rules: a continuation frame must not appear
// without a preceding non-final Text/Binary frame, and a new non-control
// frame must not start while one is already in progress.
type FragmentTracker struct {
	active bool
	opcode Opcode
}

// Observe validates h against the current fragmentation state and, if
// valid, advances that state. Call it once per non-control frame header,
// in wire order.
func (t *FragmentTracker) Observe(h Header) error {
	switch h.Opcode {
	case OpContinuation:
		if !t.active {
			return protocolErrorf("continuation frame without preceding fragment")
		}
		if h.Fin {
			t.active = false
		}
		return nil
	case OpText, OpBinary:
		if t.active {
			return protocolErrorf("new data frame started before previous fragment run finished")
		}
		t.active = !h.Fin
		t.opcode = h.Opcode
		return nil
	default:
		return protocolErrorf("unexpected opcode in fragment tracker: " + h.Opcode.String())
	}
}

// MessageType returns the opcode of the fragment run in progress (Text or
// Binary), valid only while Active reports true or immediately after the
// final frame of a run was observed.
func (t *FragmentTracker) MessageType() Opcode {
	return t.opcode
}

// Active reports whether a fragment run is currently open (a non-final
// Text/Binary or Continuation frame has been seen but not yet closed by
// Fin).
func (t *FragmentTracker) Active() bool {
	return t.active
}
