package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/net/netutil"

	"github.com/simple64/netsync/internal/wire"
)

var (
	ErrClosed        = errors.New("transport closed")
	ErrAlreadyActive = errors.New("transport already listening or connected")
)

const listenBacklogConns = 200

type Options struct {
	// MaxMessageSize bounds a single framed message in both directions.
	MaxMessageSize int
	// MaxConns caps live peer connections. Peers beyond it are accepted and
	// closed at once. 0 means listenBacklogConns, RefuseAll turns every peer
	// away.
	MaxConns int
}

// RefuseAll is a MaxConns value that admits no peer at all.
const RefuseAll = -1

// Message is one complete inbound message and the endpoint it arrived from.
type Message struct {
	From    string
	Payload []byte
}

// Transport owns the sockets of one process: a listener plus every accepted
// connection on a host, or the single host connection on a client.
type Transport struct {
	Logger logr.Logger

	opts Options

	connsMu  deadlock.Mutex
	conns    []*conn
	listener net.Listener

	inboundMu deadlock.Mutex
	inbound   []Message

	wg     sync.WaitGroup
	closed bool
}

func New(logger logr.Logger, opts Options) *Transport {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = wire.DefaultMaxMessageSize
	}
	if opts.MaxConns == 0 {
		opts.MaxConns = listenBacklogConns
	}
	return &Transport{Logger: logger.WithName("transport"), opts: opts}
}

// Listen binds addr and starts accepting connections in the background.
func (t *Transport) Listen(addr string) error {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.listener != nil || len(t.conns) > 0 {
		return ErrAlreadyActive
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Logger.Error(err, "could not listen", "address", addr)
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	// One slot above the cap so a peer over it is still accepted and told.
	t.listener = netutil.LimitListener(l, t.maxConns()+1)
	t.Logger.Info("listening", "address", l.Addr().String(), "maxConns", t.maxConns())

	t.wg.Add(1)
	go t.acceptLoop(t.listener)
	return nil
}

func (t *Transport) maxConns() int {
	if t.opts.MaxConns < 0 {
		return 0
	}
	return t.opts.MaxConns
}

func (t *Transport) acceptLoop(l net.Listener) {
	defer t.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			if !isConnClosed(err) {
				t.Logger.Error(err, "accept failed")
			}
			return
		}
		c := newConn(nc)
		t.connsMu.Lock()
		if t.closed {
			t.connsMu.Unlock()
			_ = nc.Close()
			return
		}
		if t.liveConns() >= t.maxConns() {
			t.connsMu.Unlock()
			t.Logger.Info("session full, connection refused", "address", c.remote, "maxConns", t.maxConns())
			_ = nc.Close()
			continue
		}
		t.conns = append(t.conns, c)
		t.wg.Add(1)
		t.connsMu.Unlock()

		t.Logger.Info("client joined", "address", c.remote)
		t.startReceiving(c)
	}
}

// Connect dials the host at addr and starts receiving from it.
func (t *Transport) Connect(ctx context.Context, addr string) error {
	t.connsMu.Lock()
	if t.closed {
		t.connsMu.Unlock()
		return ErrClosed
	}
	if t.listener != nil || len(t.conns) > 0 {
		t.connsMu.Unlock()
		return ErrAlreadyActive
	}
	t.connsMu.Unlock()

	t.Logger.Info("trying to connect", "address", addr)
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Logger.Error(err, "could not connect", "address", addr)
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	c := newConn(nc)
	t.connsMu.Lock()
	if t.closed {
		t.connsMu.Unlock()
		_ = nc.Close()
		return ErrClosed
	}
	t.conns = append(t.conns, c)
	t.wg.Add(1)
	t.connsMu.Unlock()

	t.Logger.Info("connected", "address", c.remote, "local", c.local)
	t.startReceiving(c)
	return nil
}

// startReceiving runs the receive loop of c. The caller has already added
// it to wg under connsMu.
func (t *Transport) startReceiving(c *conn) {
	go func() {
		defer t.wg.Done()
		c.receive(t.Logger.WithValues("address", c.remote), t.opts.MaxMessageSize, t.enqueue)
	}()
}

func (t *Transport) enqueue(m Message) {
	t.inboundMu.Lock()
	t.inbound = append(t.inbound, m)
	t.inboundMu.Unlock()
}

// PollInbound drains every complete message received since the last call.
func (t *Transport) PollInbound() []Message {
	t.inboundMu.Lock()
	defer t.inboundMu.Unlock()
	out := t.inbound
	t.inbound = nil
	return out
}

// Broadcast writes msg to every peer connection and reports the bytes sent.
func (t *Transport) Broadcast(msg []byte) int {
	return t.BroadcastExcept("", msg)
}

// BroadcastExcept writes msg to every peer connection except the one whose
// remote endpoint is except.
func (t *Transport) BroadcastExcept(except string, msg []byte) int {
	if len(msg) > t.opts.MaxMessageSize {
		t.Logger.Error(wire.ErrRecordTooLarge, "message dropped", "size", len(msg), "max", t.opts.MaxMessageSize)
		return 0
	}
	t.connsMu.Lock()
	targets := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		if c.remote != except && !c.isDead() {
			targets = append(targets, c)
		}
	}
	t.connsMu.Unlock()

	sent := 0
	for _, c := range targets {
		n, err := c.send(msg)
		sent += n
		if err != nil {
			if !isConnClosed(err) {
				t.Logger.Error(err, "send failed, dropping connection", "address", c.remote)
			}
			c.kill()
		}
	}
	return sent
}

// Housekeep removes connections whose receive loop has ended and returns
// their remote endpoints.
func (t *Transport) Housekeep() []string {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	var gone []string
	live := t.conns[:0]
	for _, c := range t.conns {
		if c.isDead() {
			_ = c.nc.Close()
			gone = append(gone, c.remote)
			t.Logger.Info("client left", "address", c.remote)
			continue
		}
		live = append(live, c)
	}
	for i := len(live); i < len(t.conns); i++ {
		t.conns[i] = nil
	}
	t.conns = live
	return gone
}

// Endpoints lists the player endpoints known to this process: the listening
// address first on a host, followed by each accepted peer.
func (t *Transport) Endpoints() []string {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	out := make([]string, 0, len(t.conns)+1)
	if t.listener != nil {
		out = append(out, t.listener.Addr().String())
	}
	for _, c := range t.conns {
		if !c.isDead() {
			out = append(out, c.remote)
		}
	}
	return out
}

// LocalEndpoint is the address peers see for this process.
func (t *Transport) LocalEndpoint() string {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	if len(t.conns) > 0 {
		return t.conns[0].local
	}
	return ""
}

// Addr returns the bound listener address, or "" when not listening.
func (t *Transport) Addr() string {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Connected reports whether the transport is listening or holds a live
// connection to the host.
func (t *Transport) Connected() bool {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	if t.closed {
		return false
	}
	if t.listener != nil {
		return true
	}
	for _, c := range t.conns {
		if !c.isDead() {
			return true
		}
	}
	return false
}

// ConnCount reports the number of live peer connections.
func (t *Transport) ConnCount() int {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	return t.liveConns()
}

func (t *Transport) liveConns() int {
	n := 0
	for _, c := range t.conns {
		if !c.isDead() {
			n++
		}
	}
	return n
}

// Close shuts every socket and waits for the receive goroutines to exit.
func (t *Transport) Close() error {
	t.Logger.Info("ending connection")
	t.connsMu.Lock()
	if t.closed {
		t.connsMu.Unlock()
		return nil
	}
	t.closed = true
	var errs []error
	if t.listener != nil {
		if err := t.listener.Close(); err != nil && !isConnClosed(err) {
			t.Logger.Error(err, "error closing listener")
			errs = append(errs, err)
		}
		t.listener = nil
	}
	for _, c := range t.conns {
		c.kill()
	}
	t.conns = nil
	t.connsMu.Unlock()

	t.wg.Wait()
	t.Logger.Info("connection ended")
	return errors.Join(errs...)
}

func isConnClosed(err error) bool {
	return err != nil && errors.Is(err, net.ErrClosed)
}
