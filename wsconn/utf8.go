package wsconn

import "unicode/utf8"

// utf8Validator checks UTF-8 validity incrementally across however many
// byte slices (ReadPayload calls, frames) make up one Text message, so a
// codepoint split across a chunk or frame boundary is not mistaken for an
// invalid sequence, and bytes already accepted by an earlier Write are not
// un-done by a later one. pending holds the trailing bytes of the last
// Write that might be the truncated prefix of a multi-byte sequence.
type utf8Validator struct {
	pending []byte
}

// Write validates as much of pending+p as it can. Bytes that could still
// turn out to be the start of a valid sequence once more data arrives are
// held back in pending rather than rejected.
func (v *utf8Validator) Write(p []byte) error {
	buf := append(v.pending, p...)
	v.pending = nil

	i := 0
	for i < len(buf) {
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size <= 1 {
			if isIncompleteSuffix(buf[i:]) {
				v.pending = append([]byte(nil), buf[i:]...)
				return nil
			}
			return &InvalidPayload{Reason: "invalid utf-8 byte sequence"}
		}
		i += size
	}
	return nil
}

// Close reports an error if the message ended with bytes still pending -
// a codepoint left truncated at the end of the message is invalid UTF-8,
// not an incomplete-but-still-valid prefix.
func (v *utf8Validator) Close() error {
	if len(v.pending) > 0 {
		return &InvalidPayload{Reason: "truncated utf-8 sequence at end of message"}
	}
	return nil
}

// isIncompleteSuffix reports whether buf is a valid but incomplete prefix
// of a multi-byte UTF-8 sequence - i.e. more bytes could make it valid -
// as opposed to being an outright invalid byte sequence.
func isIncompleteSuffix(buf []byte) bool {
	if len(buf) == 0 || len(buf) >= utf8.UTFMax {
		return false
	}
	b0 := buf[0]
	var want int
	switch {
	case b0&0x80 == 0x00:
		return false // single-byte rune can never be "incomplete"
	case b0&0xE0 == 0xC0:
		want = 2
	case b0&0xF0 == 0xE0:
		want = 3
	case b0&0xF8 == 0xF0:
		want = 4
	default:
		return false // stray continuation byte or invalid leading byte
	}
	if len(buf) >= want {
		return false // enough bytes were present; DecodeRune already rejected it
	}
	for _, b := range buf[1:] {
		if b&0xC0 != 0x80 {
			return false
		}
	}
	return true
}
