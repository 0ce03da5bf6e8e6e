// Package netx establishes the layered transport used by the NDT
// engines. A dial composes up to two optional layers on top of TCP:
// SOCKS5h tunneling, then TLS. WebSocket framing is layered
// separately by package ws. Proxying and encryption are invisible to
// the protocol engines, which only ever see an ordered, reliable byte
// stream behind the net.Conn interface.
package netx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"time"

	"github.com/bassosimone/libndt/errx"
)

// DefaultTimeout bounds each network operation when Dialer.Timeout
// is zero.
const DefaultTimeout = 7 * time.Second

// Dialer composes the transport layers according to its settings. The
// zero value dials plain TCP.
type Dialer struct {
	// SOCKS5hPort is the port of an optional SOCKS5h proxy listening on
	// 127.0.0.1. When non-empty, every connection is tunnelled through
	// the proxy and hostname resolution is delegated to it.
	SOCKS5hPort string

	// TLS enables TLS on top of the TCP, or proxied, connection.
	TLS bool

	// CABundlePath is the CA bundle used to verify the peer. When empty
	// and verification is enabled, well-known system paths are probed.
	CABundlePath string

	// InsecureNoVerify disables TLS peer verification. Insecure, only
	// meant for testing.
	InsecureNoVerify bool

	// Timeout bounds each network operation during the dial.
	Timeout time.Duration

	// BaseDial, when non-nil, replaces the TCP dialing step. Tests use
	// it to substitute the lowest layer of the stack.
	BaseDial func(ctx context.Context, network, address string) (net.Conn, error)
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

// DialContext dials hostname:port through the configured layers. On
// failure no connection is left open.
func (d *Dialer) DialContext(ctx context.Context, hostname, port string) (net.Conn, error) {
	conn, err := d.maybeSOCKS5hDial(ctx, hostname, port)
	if err != nil {
		return nil, err
	}
	if !d.TLS {
		return conn, nil
	}
	tlsConn, err := d.tlsHandshake(ctx, conn, hostname)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (d *Dialer) dialTCP(ctx context.Context, hostname, port string) (net.Conn, error) {
	dial := d.BaseDial
	if dial == nil {
		netDialer := &net.Dialer{Timeout: d.timeout()}
		dial = netDialer.DialContext
	}
	return dial(ctx, "tcp", net.JoinHostPort(hostname, port))
}

func (d *Dialer) tlsHandshake(ctx context.Context, conn net.Conn, hostname string) (net.Conn, error) {
	config := &tls.Config{ServerName: hostname}
	if d.InsecureNoVerify {
		config.InsecureSkipVerify = true
	} else {
		pool, err := d.certPool()
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}
	tlsConn := tls.Client(conn, config)
	if err := conn.SetDeadline(time.Now().Add(d.timeout())); err != nil {
		return nil, err
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, errx.Wrap(errx.SSLGeneric, "tls_dial", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// caBundlePaths lists the well-known locations probed when no explicit
// CA bundle path is configured.
var caBundlePaths = []string{
	"/etc/ssl/cert.pem",
	"/etc/ssl/certs/ca-certificates.crt",
}

func (d *Dialer) certPool() (*x509.CertPool, error) {
	if d.CABundlePath != "" {
		return loadCertPool(d.CABundlePath)
	}
	for _, path := range caBundlePaths {
		pool, err := loadCertPool(path)
		if err == nil {
			return pool, nil
		}
	}
	return nil, errx.New(errx.SSLGeneric, "tls_dial", "cannot find a usable CA bundle")
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errx.New(errx.SSLGeneric, "tls_dial", "no certificate in CA bundle "+path)
	}
	return pool, nil
}

// ToTCPConn returns the TCP connection at the bottom of the transport
// stack, or nil when there is no TCP connection down there, e.g. when
// the bottom layer has been replaced by a test double.
func ToTCPConn(conn net.Conn) *net.TCPConn {
	switch realConn := conn.(type) {
	case *net.TCPConn:
		return realConn
	case *tls.Conn:
		return ToTCPConn(realConn.NetConn())
	}
	return nil
}
