// Package dispatch: encrypted request/reply job channel (Client, Agent).
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"dev.c0redev.shadownet/internal/crypto"
	"dev.c0redev.shadownet/internal/journal"
	"dev.c0redev.shadownet/internal/log"
	"dev.c0redev.shadownet/internal/proto"
	"dev.c0redev.shadownet/internal/transport"
	"gopkg.in/op/go-logging.v1"
)

// DefaultTimeout per Send/Ping when ctx has no deadline.
const DefaultTimeout = 30 * time.Second

// ClientOptions: transport, default deadline, opt journal and logger.
type ClientOptions struct {
	Transport transport.Options
	// Timeout applies when ctx has no deadline; <0 disables it.
	Timeout time.Duration
	Journal *journal.DB
	Log     *logging.Logger
}

// Client: one connection to an agent, one request in flight at a time.
type Client struct {
	mu      sync.Mutex // serializes round trips
	stateMu sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	codec   crypto.Codec
	seq     uint32
	timeout time.Duration
	journal *journal.DB
	log     *logging.Logger
	peer    string
}

// Dial connects to the agent at addr; ctx bounds the connect (plus opts.Timeout if ctx has no deadline).
func Dial(ctx context.Context, addr string, codec crypto.Codec, opts ClientOptions) (*Client, error) {
	cctx, cancel := withDefaultDeadline(ctx, effectiveTimeout(opts.Timeout))
	defer cancel()
	conn, err := transport.Dial(cctx, addr, opts.Transport)
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, &Error{Stage: StageTransport, Op: OpConnect, Err: err}
	}
	return NewClient(conn, codec, opts), nil
}

// NewClient wraps an established conn (e.g. custom dialer); Close closes it.
func NewClient(conn net.Conn, codec crypto.Codec, opts ClientOptions) *Client {
	l := opts.Log
	if l == nil {
		l = discardLogger()
	}
	return &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		codec:   codec,
		timeout: effectiveTimeout(opts.Timeout),
		journal: opts.Journal,
		log:     l,
		peer:    conn.RemoteAddr().String(),
	}
}

func effectiveTimeout(t time.Duration) time.Duration {
	switch {
	case t < 0:
		return 0
	case t == 0:
		return DefaultTimeout
	default:
		return t
	}
}

func withDefaultDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > d {
			return context.WithTimeout(ctx, d)
		}
	}
	return context.WithCancel(ctx)
}

// Send encrypts job, sends it, blocks for the single reply and returns it decrypted.
// Transport, crypto and protocol failures close the connection; an agent fault does not.
func (c *Client) Send(ctx context.Context, job string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	started := time.Now()
	entry := journal.Entry{Role: journal.RoleClient, Peer: c.peer, StartedAt: started}
	reply, err := c.send(ctx, job, &entry)
	entry.Duration = time.Since(started)
	entry.Status = clientStatus(err)
	if err != nil {
		entry.Error = err.Error()
		c.log.Warningf("%s: seq %d: %v", c.peer, entry.Seq, err)
	} else {
		c.log.Debugf("%s: seq %d: reply %d bytes in %v", c.peer, entry.Seq, len(reply), entry.Duration)
	}
	c.record(entry)
	return reply, err
}

func (c *Client) send(ctx context.Context, job string, entry *journal.Entry) (string, error) {
	frame, err := c.codec.Seal([]byte(job))
	if err != nil {
		c.closeConn()
		return "", &Error{Stage: StageCrypto, Op: OpEncrypt, Err: err}
	}
	c.seq++
	seq := c.seq
	entry.Seq = seq
	entry.RequestBytes = len(frame)

	m, err := c.roundTrip(ctx, &proto.Message{Type: proto.TypeRequest, Seq: seq, Payload: frame})
	if err != nil {
		return "", err
	}
	entry.ReplyBytes = len(m.Payload)
	switch m.Type {
	case proto.TypeReply:
		if m.Seq != seq {
			c.closeConn()
			return "", &Error{Stage: StageTransport, Op: OpRecv, Err: fmt.Errorf("%w: reply seq %d for request %d", ErrProtocol, m.Seq, seq)}
		}
		pt, err := c.codec.Open(m.Payload)
		if err != nil {
			c.closeConn()
			return "", &Error{Stage: StageCrypto, Op: OpDecrypt, Err: err}
		}
		return string(pt), nil
	case proto.TypeFault:
		return "", c.faultError(m, seq)
	default:
		c.closeConn()
		return "", &Error{Stage: StageTransport, Op: OpRecv, Err: fmt.Errorf("%w: %s", ErrProtocol, m.Type)}
	}
}

func (c *Client) faultError(m *proto.Message, seq uint32) error {
	f, err := proto.DecodeFault(m.Payload)
	if err != nil || m.Seq != seq {
		c.closeConn()
		return &Error{Stage: StageTransport, Op: OpRecv, Err: fmt.Errorf("%w: malformed fault", ErrProtocol)}
	}
	reason := f.Reason
	if reason == "" {
		reason = f.Code.String()
	}
	return &Error{Stage: StageRemote, Op: OpSend, Code: f.Code, Err: errors.New(reason)}
}

// Ping round trip to the agent; returns RTT.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	seq := c.seq
	started := time.Now()
	m, err := c.roundTrip(ctx, &proto.Message{Type: proto.TypePing, Seq: seq})
	if err != nil {
		return 0, err
	}
	if m.Type != proto.TypePong || m.Seq != seq {
		c.closeConn()
		return 0, &Error{Stage: StageTransport, Op: OpPing, Err: fmt.Errorf("%w: %s seq %d", ErrProtocol, m.Type, m.Seq)}
	}
	return time.Since(started), nil
}

// roundTrip writes m and reads exactly one message, bounded by ctx / default timeout. Closes conn on failure.
func (c *Client) roundTrip(ctx context.Context, m *proto.Message) (*proto.Message, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, &Error{Stage: StageTransport, Op: OpSend, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Stage: StageTransport, Op: OpSend, Err: ioError(ctx, err)}
	}
	ctx, cancel := withDefaultDeadline(ctx, c.timeout)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// unblock I/O on cancel
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := proto.EncodeMessage(conn, m); err != nil {
		c.closeConn()
		return nil, &Error{Stage: StageTransport, Op: OpSend, Err: ioError(ctx, err)}
	}
	reply, err := proto.DecodeMessage(c.r, nil)
	if err != nil {
		c.closeConn()
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, &Error{Stage: StageTransport, Op: OpRecv, Err: ioError(ctx, err)}
	}
	stop()
	_ = conn.SetDeadline(time.Time{})
	return reply, nil
}

func ioError(ctx context.Context, err error) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case context.Canceled:
		return fmt.Errorf("%w: %w", context.Canceled, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func (c *Client) currentConn() net.Conn {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.conn
}

func (c *Client) closeConn() error {
	c.stateMu.Lock()
	conn := c.conn
	c.conn = nil
	c.stateMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Close releases the connection; safe to call more than once and concurrently with Send.
func (c *Client) Close() error {
	return c.closeConn()
}

// Closed true once the connection is released (Close or a failed round trip).
func (c *Client) Closed() bool {
	return c.currentConn() == nil
}

func (c *Client) record(e journal.Entry) {
	if c.journal == nil {
		return
	}
	if _, err := c.journal.Record(e); err != nil {
		c.log.Debugf("journal: %v", err)
	}
}

func clientStatus(err error) string {
	switch StageOf(err) {
	case "":
		if err != nil {
			return journal.StatusTransport
		}
		return journal.StatusOK
	case StageCrypto:
		return journal.StatusCrypto
	case StageRemote:
		return journal.StatusRemote
	default:
		return journal.StatusTransport
	}
}

// Dispatch dials addr, sends one job, returns the ack; the connection is always released.
func Dispatch(ctx context.Context, addr string, codec crypto.Codec, opts ClientOptions, job string) (string, error) {
	c, err := Dial(ctx, addr, codec, opts)
	if err != nil {
		return "", err
	}
	defer c.Close()
	return c.Send(ctx, job)
}

func discardLogger() *logging.Logger {
	return log.NewWithWriter(io.Discard, logging.CRITICAL).GetLogger("dispatch")
}
