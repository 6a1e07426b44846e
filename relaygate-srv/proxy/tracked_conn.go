package proxy

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// trackedConn is a wrapper around net.Conn that counts the bytes read and
// written and refreshes the idle deadline before every read and write.
type trackedConn struct {
	net.Conn
	idle      time.Duration
	bytesIn   atomic.Int64 // read from the peer
	bytesOut  atomic.Int64 // written to the peer
	closeOnce sync.Once
	closeErr  error
}

// newTrackedConn creates a new tracked connection. An idle duration of zero
// disables deadlines.
func newTrackedConn(conn net.Conn, idle time.Duration) *trackedConn {
	return &trackedConn{Conn: conn, idle: idle}
}

// Read reads data from the connection, counting the bytes received.
func (c *trackedConn) Read(b []byte) (int, error) {
	if c.idle > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.idle))
	}
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesIn.Add(int64(n))
	}
	return n, err
}

// Write writes data to the connection, counting the bytes sent.
func (c *trackedConn) Write(b []byte) (int, error) {
	if c.idle > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.idle))
	}
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesOut.Add(int64(n))
	}
	return n, err
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *trackedConn) CloseWrite() error {
	return closeWrite(c.Conn)
}

// Close closes the connection once; later calls return the first result.
func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// Totals returns the bytes read and written so far.
func (c *trackedConn) Totals() (in, out int64) {
	return c.bytesIn.Load(), c.bytesOut.Load()
}

// bufferedConn serves bytes already buffered by a reader before reading
// from the connection again. Used when a tunnel starts while the parser
// still holds bytes the peer sent after the head.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (bc *bufferedConn) Read(b []byte) (int, error) {
	if bc.r != nil && bc.r.Buffered() > 0 {
		return bc.r.Read(b)
	}
	return bc.Conn.Read(b)
}

func (bc *bufferedConn) CloseWrite() error {
	return closeWrite(bc.Conn)
}

// withBuffered wraps conn only when r holds unread bytes.
func withBuffered(conn net.Conn, r *bufio.Reader) net.Conn {
	if r == nil || r.Buffered() == 0 {
		return conn
	}
	return &bufferedConn{Conn: conn, r: r}
}

type closeWriter interface {
	CloseWrite() error
}

// errNoHalfClose is returned by closeWrite for connections that hide or
// lack CloseWrite, such as the SOCKS5 dialer's wrapped connections.
var errNoHalfClose = errors.New("half-close not supported")

// closeWrite half-closes c; connections without half-close support are
// left open and errNoHalfClose is returned.
func closeWrite(c net.Conn) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errNoHalfClose
}
