package server

import (
	"crypto/tls"
	"crypto/x509"
	"net"

	"github.com/pepnova/gows/wsconn"
)

// TransportFactory hands back a byte-duplex stream for an accepted TCP
// client, optionally performing TLS. Errors surface to the caller as a
// handshake failure.
type TransportFactory interface {
	Accept(raw net.Conn, cert *x509.Certificate) (wsconn.Transport, error)
}

// PlainTCPTransportFactory returns the raw connection unmodified; the
// default when the server does not terminate TLS itself.
type PlainTCPTransportFactory struct{}

func (PlainTCPTransportFactory) Accept(raw net.Conn, _ *x509.Certificate) (wsconn.Transport, error) {
	return raw, nil
}

// TLSTransportFactory wraps raw with a tls.Config and performs the
// handshake before handing the connection back.
type TLSTransportFactory struct {
	Config *tls.Config
}

func (f TLSTransportFactory) Accept(raw net.Conn, _ *x509.Certificate) (wsconn.Transport, error) {
	tlsConn := tls.Server(raw, f.Config)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// CertificateProvider yields an optional certificate for a just-accepted
// TCP client, which the server hands to the TransportFactory. Neither
// built-in factory reads it: PlainTCPTransportFactory always stays plain
// and TLSTransportFactory always performs TLS with its own Config.
type CertificateProvider interface {
	CertificateFor(raw net.Conn) (*x509.Certificate, error)
}

// NoCertificateProvider always returns a nil certificate.
type NoCertificateProvider struct{}

func (NoCertificateProvider) CertificateFor(net.Conn) (*x509.Certificate, error) { return nil, nil }
