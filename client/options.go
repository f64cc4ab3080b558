package client

import (
	"crypto/tls"
	"time"

	"github.com/pepnova/gows/interceptor"
	"github.com/pepnova/gows/permessage"
	"github.com/pepnova/gows/wsevent"
)

// Options configures a Client.
type Options struct {
	KeepAliveInterval      time.Duration
	NoDelay                bool
	Origin                 string
	AdditionalHTTPHeaders  map[string][]string
	SecWebSocketExtensions string
	SecWebSocketProtocol   string
	PerMessageDeflate      permessage.Config
	MaxMessageSize         uint64
	TLSConfig              *tls.Config
	Sink                   wsevent.Sink
	Pipeline               *interceptor.Pipeline
	Reconnect              ReconnectOptions
}

// ReconnectOptions configures the reconnect manager.
type ReconnectOptions struct {
	Enabled           bool
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	MaxAttempts       int // 0 = infinite
	Jitter            float64
	OnReconnecting    URIRewriter
}

// URIRewriter lets a caller rewrite the dial URI ahead of a reconnect
// attempt, e.g. to refresh a short-lived auth token embedded in the
// query string.
type URIRewriter func(uri string, attempt int) string

// Defaults returns an Options with every field at its default: 20s
// keep-alive, TCP_NODELAY on, permessage-deflate enabled with context
// takeover allowed, and reconnect disabled.
func Defaults() Options {
	return Options{
		KeepAliveInterval: 20 * time.Second,
		NoDelay:           true,
		PerMessageDeflate: permessage.DefaultConfig(),
		Sink:              wsevent.Nop,
		Pipeline:          (&interceptor.Builder{}).Build(),
		Reconnect: ReconnectOptions{
			Enabled:           false,
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2.0,
			MaxAttempts:       0,
			Jitter:            0.1,
		},
	}
}
