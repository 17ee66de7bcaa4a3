package dispatch

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"dev.c0redev.shadownet/internal/crypto"
	"dev.c0redev.shadownet/internal/journal"
	"dev.c0redev.shadownet/internal/metrics"
	"dev.c0redev.shadownet/internal/proto"
	"gopkg.in/op/go-logging.v1"
)

// DefaultWriteTimeout bounds each reply write.
const DefaultWriteTimeout = 10 * time.Second

// reasons sent to clients; details stay in the agent log
const (
	reasonBadFrame    = "request did not decrypt"
	reasonHandler     = "job handler failed"
	reasonInternal    = "reply could not be encrypted"
	reasonUnsupported = "unsupported message type"
)

// AgentOptions for NewAgent. Zero value works.
type AgentOptions struct {
	// IdleTimeout closes a connection with no request for this long; 0 = never.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	Log          *logging.Logger
	Metrics      *metrics.Metrics
	Journal      *journal.DB
	Node         string
}

// Agent answers encrypted jobs. One goroutine per connection; requests on a connection run in order.
type Agent struct {
	codec   crypto.Codec
	handler Handler
	opts    AgentOptions
	log     *logging.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewAgent; nil handler = AckHandler.
func NewAgent(codec crypto.Codec, handler Handler, opts AgentOptions) *Agent {
	if handler == nil {
		handler = AckHandler
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	l := opts.Log
	if l == nil {
		l = discardLogger()
	}
	return &Agent{codec: codec, handler: handler, opts: opts, log: l, conns: make(map[net.Conn]struct{})}
}

// Serve accepts on ln until ctx is done or ln is closed, then closes open connections and waits for them.
// Returns nil on ctx done or listener close.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer a.Shutdown()

	a.log.Noticef("listening on %s (%s)", ln.Addr(), a.codec.Mode())
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				a.log.Warningf("accept: %v; retrying in %v", err, backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		if !a.track(conn) {
			_ = conn.Close()
			continue
		}
		go func() {
			defer a.wg.Done()
			defer a.untrack(conn)
			a.serveConn(ctx, conn)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (a *Agent) track(c net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conns == nil {
		return false
	}
	a.conns[c] = struct{}{}
	// under mu so Shutdown's Wait sees it
	a.wg.Add(1)
	return true
}

func (a *Agent) untrack(c net.Conn) {
	a.mu.Lock()
	if a.conns != nil {
		delete(a.conns, c)
	}
	a.mu.Unlock()
	_ = c.Close()
}

// Shutdown closes every open connection and waits for their goroutines. The agent cannot serve again.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	conns := a.conns
	a.conns = nil
	a.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
	a.wg.Wait()
}

func (a *Agent) serveConn(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	a.opts.Metrics.SessionOpened()
	defer a.opts.Metrics.SessionClosed()
	a.log.Debugf("%s: connected", peer)

	r := bufio.NewReader(conn)
	buf := make([]byte, 64*1024)
	for {
		if a.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(a.opts.IdleTimeout))
		}
		m, err := proto.DecodeMessage(r, buf)
		if err != nil {
			switch {
			case err == io.EOF:
				a.log.Debugf("%s: disconnected", peer)
			case ctx.Err() != nil || errors.Is(err, net.ErrClosed):
			default:
				a.log.Infof("%s: read: %v", peer, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		var reply *proto.Message
		switch m.Type {
		case proto.TypePing:
			reply = &proto.Message{Type: proto.TypePong, Seq: m.Seq}
		case proto.TypeRequest:
			reply = a.handleRequest(ctx, peer, m)
		default:
			a.log.Warningf("%s: seq %d: unsupported %s", peer, m.Seq, m.Type)
			a.opts.Metrics.Fault(proto.FaultUnsupported.String())
			reply = fault(m.Seq, proto.FaultUnsupported, reasonUnsupported)
		}
		if err := a.write(conn, reply); err != nil {
			a.log.Infof("%s: write: %v", peer, err)
			return
		}
	}
}

func (a *Agent) write(conn net.Conn, m *proto.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return proto.EncodeMessage(conn, m)
}

func fault(seq uint32, code proto.FaultCode, reason string) *proto.Message {
	return &proto.Message{Type: proto.TypeFault, Seq: seq, Payload: proto.EncodeFault(&proto.Fault{Code: code, Reason: reason})}
}

// handleRequest decrypts, runs the handler and seals the reply. Any failure becomes a Fault; the connection stays up.
func (a *Agent) handleRequest(ctx context.Context, peer string, m *proto.Message) *proto.Message {
	started := time.Now()
	entry := journal.Entry{
		Role:         journal.RoleAgent,
		Node:         a.opts.Node,
		Peer:         peer,
		Seq:          m.Seq,
		RequestBytes: len(m.Payload),
		StartedAt:    started,
	}
	reply, status, err := a.process(ctx, peer, m)
	entry.Duration = time.Since(started)
	entry.Status = status
	if err != nil {
		entry.Error = err.Error()
	}
	if reply.Type == proto.TypeReply {
		entry.ReplyBytes = len(reply.Payload)
	}
	a.opts.Metrics.Request(metricStatus(status), entry.Duration)
	a.record(entry)
	return reply
}

func (a *Agent) process(ctx context.Context, peer string, m *proto.Message) (*proto.Message, string, error) {
	job, err := a.codec.Open(m.Payload)
	if err != nil {
		a.log.Warningf("%s: seq %d: decrypt failed: %v", peer, m.Seq, err)
		a.opts.Metrics.Fault(proto.FaultBadFrame.String())
		return fault(m.Seq, proto.FaultBadFrame, reasonBadFrame), journal.StatusBadFrame, err
	}
	a.log.Debugf("%s: seq %d: job %d bytes", peer, m.Seq, len(job))

	out, err := a.handler.Handle(ctx, string(job))
	if err != nil {
		a.log.Warningf("%s: seq %d: handler: %v", peer, m.Seq, err)
		a.opts.Metrics.Fault(proto.FaultHandler.String())
		return fault(m.Seq, proto.FaultHandler, reasonHandler), journal.StatusHandler, err
	}
	frame, err := a.codec.Seal([]byte(out))
	if err != nil {
		a.log.Errorf("%s: seq %d: encrypt reply: %v", peer, m.Seq, err)
		a.opts.Metrics.Fault(proto.FaultInternal.String())
		return fault(m.Seq, proto.FaultInternal, reasonInternal), journal.StatusInternal, err
	}
	return &proto.Message{Type: proto.TypeReply, Seq: m.Seq, Payload: frame}, journal.StatusOK, nil
}

func metricStatus(s string) string {
	switch s {
	case journal.StatusOK:
		return metrics.StatusOK
	case journal.StatusBadFrame:
		return metrics.StatusBadFrame
	case journal.StatusHandler:
		return metrics.StatusHandler
	default:
		return metrics.StatusInternal
	}
}

func (a *Agent) record(e journal.Entry) {
	if a.opts.Journal == nil {
		return
	}
	if _, err := a.opts.Journal.Record(e); err != nil {
		a.log.Debugf("journal: %v", err)
	}
}
