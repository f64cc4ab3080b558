package server

import (
	"time"

	"github.com/pepnova/gows/interceptor"
	"github.com/pepnova/gows/permessage"
	"github.com/pepnova/gows/wsevent"
)

// Options configures a Server.
type Options struct {
	Port                            int
	KeepAliveInterval               time.Duration
	IncludeExceptionInCloseResponse bool
	SupportedSubProtocols           []string
	PerMessageDeflate               permessage.Config
	MaxMessageSize                  uint64
	Sink                            wsevent.Sink
	Pipeline                        *interceptor.Pipeline
	TransportFactory                TransportFactory
	CertificateProvider             CertificateProvider
}

// Defaults returns an Options with every field at its default: 60s
// keep-alive, exceptions not echoed to the client, and permessage-deflate
// enabled with context takeover allowed both ways.
func Defaults() Options {
	return Options{
		Port:                            8080,
		KeepAliveInterval:               60 * time.Second,
		IncludeExceptionInCloseResponse: false,
		PerMessageDeflate:               permessage.DefaultConfig(),
		MaxMessageSize:                  0,
		Sink:                            wsevent.Nop,
		Pipeline:                        (&interceptor.Builder{}).Build(),
		TransportFactory:                PlainTCPTransportFactory{},
		CertificateProvider:             NoCertificateProvider{},
	}
}
