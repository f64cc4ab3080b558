// Package permessage implements the permessage-deflate extension (RFC
// 7692): negotiating context-takeover modes during the handshake and
// compressing/decompressing message payloads once negotiated.
package permessage

import "strings"

// Mode is the context-takeover policy configured for one direction
// (server-to-client or client-to-server).
type Mode int

const (
	// Allow keeps the DEFLATE sliding window across messages for a
	// better compression ratio (the default).
	Allow Mode = iota
	// DontAllow rejects a peer request to disable context takeover: if
	// the peer asks for no-context-takeover and this mode is set, the
	// handshake fails with 400.
	DontAllow
	// ForceDisabled always advertises no-context-takeover and resets the
	// window after every message regardless of what the peer asked for.
	ForceDisabled
)

// Config is the server-side or client-side permessage-deflate policy, one
// Mode per direction.
type Config struct {
	Enabled               bool
	ServerContextTakeover Mode
	ClientContextTakeover Mode
}

// DefaultConfig returns Enabled=true with both directions Allow.
func DefaultConfig() Config {
	return Config{Enabled: true, ServerContextTakeover: Allow, ClientContextTakeover: Allow}
}

// Params is the outcome of negotiation: whether context takeover is
// disabled in each direction.
type Params struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
}

// requestedParams is what the peer asked for in its Sec-WebSocket-Extensions
// header, parsed from "permessage-deflate; server_no_context_takeover; ...".
type requestedParams struct {
	present                 bool
	serverNoContextTakeover bool
	clientNoContextTakeover bool
}

// parseExtensions scans the (possibly multiple, comma-joined) values of a
// Sec-WebSocket-Extensions header for a permessage-deflate offer/ack and
// its parameters.
func parseExtensions(values []string) requestedParams {
	var out requestedParams
	for _, value := range values {
		for _, extension := range strings.Split(value, ",") {
			params := strings.Split(extension, ";")
			name := strings.TrimSpace(params[0])
			if !strings.EqualFold(name, "permessage-deflate") {
				continue
			}
			out.present = true
			for _, p := range params[1:] {
				switch strings.ToLower(strings.TrimSpace(p)) {
				case "server_no_context_takeover":
					out.serverNoContextTakeover = true
				case "client_no_context_takeover":
					out.clientNoContextTakeover = true
				}
			}
		}
	}
	return out
}

// HasOffer reports whether values (a Sec-WebSocket-Extensions header's
// values) contains a permessage-deflate offer.
func HasOffer(values []string) bool {
	return parseExtensions(values).present
}

// NegotiateServer decides, from the client's Sec-WebSocket-Extensions
// values and the server's Config, whether to accept permessage-deflate and
// with what takeover parameters. ok is false if the client did not offer
// it or cfg.Enabled is false (no error - the extension is simply absent
// from the response). err is non-nil only when the client's request is
// incompatible with a DontAllow mode, which the caller must turn into a
// 400 handshake failure.
func NegotiateServer(clientExtensions []string, cfg Config) (params Params, ok bool, err error) {
	if !cfg.Enabled {
		return Params{}, false, nil
	}
	req := parseExtensions(clientExtensions)
	if !req.present {
		return Params{}, false, nil
	}

	params.ServerNoContextTakeover = cfg.ServerContextTakeover == ForceDisabled
	params.ClientNoContextTakeover = cfg.ClientContextTakeover == ForceDisabled

	if req.clientNoContextTakeover {
		if cfg.ClientContextTakeover == DontAllow {
			return Params{}, false, ErrIncompatibleTakeover
		}
		params.ClientNoContextTakeover = true
	}
	if req.serverNoContextTakeover {
		if cfg.ServerContextTakeover == DontAllow {
			return Params{}, false, ErrIncompatibleTakeover
		}
		params.ServerNoContextTakeover = true
	}
	return params, true, nil
}

// ResponseExtensionValue renders the Sec-WebSocket-Extensions value the
// server should send back once NegotiateServer has accepted.
func ResponseExtensionValue(p Params) string {
	v := "permessage-deflate"
	if p.ServerNoContextTakeover {
		v += "; server_no_context_takeover"
	}
	if p.ClientNoContextTakeover {
		v += "; client_no_context_takeover"
	}
	return v
}

// NegotiateClient parses the server's accepted Sec-WebSocket-Extensions
// value (from the 101 response) into Params. ok is false if the server did
// not accept permessage-deflate.
func NegotiateClient(serverExtensions []string) (params Params, ok bool) {
	req := parseExtensions(serverExtensions)
	if !req.present {
		return Params{}, false
	}
	return Params{
		ServerNoContextTakeover: req.serverNoContextTakeover,
		ClientNoContextTakeover: req.clientNoContextTakeover,
	}, true
}

// RequestExtensionValue renders the client's offer for the
// Sec-WebSocket-Extensions request header.
func RequestExtensionValue(cfg Config) string {
	v := "permessage-deflate"
	if cfg.ServerContextTakeover == ForceDisabled {
		v += "; server_no_context_takeover"
	}
	if cfg.ClientContextTakeover == ForceDisabled {
		v += "; client_no_context_takeover"
	}
	return v
}
