package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/sasha-s/go-deadlock"
)

// frameHeaderSize is the little-endian uint32 length that precedes every
// message on the stream.
const frameHeaderSize = 4

type conn struct {
	nc     net.Conn
	remote string
	local  string

	sendMu deadlock.Mutex
	dead   atomic.Bool
}

func newConn(nc net.Conn) *conn {
	return &conn{
		nc:     nc,
		remote: nc.RemoteAddr().String(),
		local:  nc.LocalAddr().String(),
	}
}

func (c *conn) isDead() bool { return c.dead.Load() }

// kill marks the connection for removal and unblocks its receive loop.
func (c *conn) kill() {
	c.dead.Store(true)
	_ = c.nc.Close()
}

// send writes one framed message with a single Write call.
func (c *conn) send(msg []byte) (int, error) {
	frame := make([]byte, frameHeaderSize+len(msg))
	binary.LittleEndian.PutUint32(frame, uint32(len(msg)))
	copy(frame[frameHeaderSize:], msg)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.nc.Write(frame)
}

// receive blocks reading framed messages until the stream ends. Messages
// larger than max are skipped and logged.
func (c *conn) receive(logger logr.Logger, max int, deliver func(Message)) {
	defer c.dead.Store(true)

	r := bufio.NewReaderSize(c.nc, max+frameHeaderSize)
	var header [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			c.logEnd(logger, err)
			return
		}
		size := binary.LittleEndian.Uint32(header[:])
		if size == 0 {
			continue
		}
		if size > uint32(max) {
			logger.Info("error : buffer size exceeded, message dropped", "size", size, "max", max)
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				c.logEnd(logger, err)
				return
			}
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			c.logEnd(logger, err)
			return
		}
		logger.V(2).Info("msg received", "size", size)
		deliver(Message{From: c.remote, Payload: payload})
	}
}

func (c *conn) logEnd(logger logr.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.Info("peer closed connection")
	case isConnClosed(err) || c.isDead():
		logger.V(1).Info("connection closed locally")
	default:
		logger.Error(err, "receive failed")
	}
}
