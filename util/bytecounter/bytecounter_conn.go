package bytecounter

import (
	"net"
	"sync/atomic"
)

// Conn wraps a net.Conn and counts the bytes read from and written to it.
// The counters are safe to read from any goroutine.
type Conn struct {
	net.Conn
	read, written int64
}

func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	atomic.AddInt64(&c.read, int64(n))
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	atomic.AddInt64(&c.written, int64(n))
	return n, err
}

func (c *Conn) BytesRead() int64 {
	return atomic.LoadInt64(&c.read)
}

func (c *Conn) BytesWritten() int64 {
	return atomic.LoadInt64(&c.written)
}
