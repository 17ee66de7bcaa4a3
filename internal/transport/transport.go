// Package transport: dial/listen for the dispatch channel over tcp, tls or quic.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
)

const (
	NetworkTCP  = "tcp"
	NetworkTLS  = "tls"
	NetworkQUIC = "quic"
)

// DefaultPort agent port when none is given.
const DefaultPort = "5555"

// Options for Dial/Listen. TLS used by tls and quic networks.
type Options struct {
	Network string
	TLS     *tls.Config
}

// ValidNetwork true for tcp, tls, quic ("" = tcp).
func ValidNetwork(n string) bool {
	switch n {
	case "", NetworkTCP, NetworkTLS, NetworkQUIC:
		return true
	}
	return false
}

// NormalizeAddr accepts host:port, tcp://host:port, tcp://*:port; adds DefaultPort if missing.
func NormalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	addr = strings.TrimSuffix(addr, "/")
	if strings.HasPrefix(addr, "*:") {
		addr = addr[1:]
	}
	if addr == "" || addr == "*" {
		return ":" + DefaultPort
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(strings.Trim(addr, "[]"), DefaultPort)
	}
	return addr
}

// Dial connects to addr over opts.Network; ctx bounds the connect.
func Dial(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	addr = NormalizeAddr(addr)
	switch opts.Network {
	case "", NetworkTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	case NetworkTLS:
		d := tls.Dialer{Config: ClientTLS(opts.TLS)}
		return d.DialContext(ctx, "tcp", addr)
	case NetworkQUIC:
		return DialStream(ctx, addr, ClientTLS(opts.TLS))
	default:
		return nil, fmt.Errorf("transport: unknown network %q", opts.Network)
	}
}

// Listen binds addr over opts.Network. tls/quic need opts.TLS with Certificates.
func Listen(addr string, opts Options) (net.Listener, error) {
	addr = NormalizeAddr(addr)
	switch opts.Network {
	case "", NetworkTCP:
		return net.Listen("tcp", addr)
	case NetworkTLS:
		if opts.TLS == nil || len(opts.TLS.Certificates) == 0 {
			return nil, fmt.Errorf("transport: tls listener needs a certificate")
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return tls.NewListener(ln, ServerTLS(opts.TLS)), nil
	case NetworkQUIC:
		return ListenStreams(addr, ServerTLS(opts.TLS))
	default:
		return nil, fmt.Errorf("transport: unknown network %q", opts.Network)
	}
}

// ClientTLS clones base (or default: InsecureSkipVerify, TLS1.2+) and sets ALPN.
func ClientTLS(base *tls.Config) *tls.Config {
	var c *tls.Config
	if base != nil {
		c = base.Clone()
	} else {
		c = &tls.Config{InsecureSkipVerify: true}
	}
	if c.MinVersion == 0 {
		c.MinVersion = tls.VersionTLS12
	}
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{ALPN}
	}
	return c
}

// ServerTLS clones base and sets ALPN (nil stays nil).
func ServerTLS(base *tls.Config) *tls.Config {
	if base == nil {
		return nil
	}
	c := base.Clone()
	if c.MinVersion == 0 {
		c.MinVersion = tls.VersionTLS12
	}
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{ALPN}
	}
	return c
}

// ClientTLSFromCA verifies the agent against caFile; empty caFile = skip verify.
func ClientTLSFromCA(caFile, serverName string, insecure bool) (*tls.Config, error) {
	c := &tls.Config{ServerName: serverName, InsecureSkipVerify: insecure}
	if caFile == "" {
		c.InsecureSkipVerify = true
		return c, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("transport: read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("transport: no certificates in %s", caFile)
	}
	c.RootCAs = pool
	return c, nil
}
