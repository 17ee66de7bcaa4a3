package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN protocol id for quic and tls listeners.
const ALPN = "shadownet"

// streamConn wraps quic.Stream as net.Conn. ownsConn: Close also closes the QUIC conn (dialer side).
type streamConn struct {
	*quic.Stream
	conn     *quic.Conn
	ownsConn bool
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) Close() error {
	c.Stream.CancelRead(0)
	err := c.Stream.Close()
	if c.ownsConn {
		_ = c.conn.CloseWithError(0, "")
	}
	return err
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// DialStream dials QUIC to addr, one stream, returns net.Conn.
func DialStream(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if tlsConfig == nil {
		tlsConfig = ClientTLS(nil)
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn, ownsConn: true}, nil
}

// streamListener: every accepted QUIC stream becomes one net.Conn.
type streamListener struct {
	ln      *quic.Listener
	streams chan net.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	errMu   sync.Mutex
	err     error
}

// ListenStreams QUIC listen on addr; tlsConfig needs Certificates.
func ListenStreams(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil || len(tlsConfig.Certificates) == 0 {
		return nil, errors.New("transport: quic listener needs a certificate")
	}
	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	sl := &streamListener{ln: ln, streams: make(chan net.Conn), ctx: ctx, cancel: cancel}
	go sl.acceptConns()
	return sl, nil
}

func (l *streamListener) acceptConns() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			l.fail(err)
			return
		}
		go l.acceptStreams(conn)
	}
}

func (l *streamListener) acceptStreams(conn *quic.Conn) {
	defer conn.CloseWithError(0, "")
	for {
		stream, err := conn.AcceptStream(l.ctx)
		if err != nil {
			return
		}
		select {
		case l.streams <- &streamConn{Stream: stream, conn: conn}:
		case <-l.ctx.Done():
			stream.CancelRead(0)
			_ = stream.Close()
			return
		}
	}
}

func (l *streamListener) fail(err error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
	l.cancel()
}

func (l *streamListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.streams:
		return c, nil
	case <-l.ctx.Done():
		l.errMu.Lock()
		defer l.errMu.Unlock()
		if l.err != nil && !errors.Is(l.err, context.Canceled) && !errors.Is(l.err, quic.ErrServerClosed) {
			return nil, l.err
		}
		return nil, net.ErrClosed
	}
}

func (l *streamListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

func (l *streamListener) Addr() net.Addr { return l.ln.Addr() }
