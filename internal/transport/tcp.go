package transport

import (
	"net"
	"sync"
)

// connStream adapts a net.Conn (plain TCP or tls.Conn, which also satisfies
// net.Conn) to Stream, making Close idempotent.
type connStream struct {
	conn net.Conn
	once sync.Once
	err  error
}

// NewConnStream wraps any net.Conn — including a *tls.Conn, since TLS
// handshakes happen transparently on first Read/Write — as a Stream.
func NewConnStream(conn net.Conn) Stream {
	return &connStream{conn: conn}
}

func (c *connStream) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c *connStream) Write(p []byte) (int, error) { return c.conn.Write(p) }

func (c *connStream) Close() error {
	c.once.Do(func() { c.err = c.conn.Close() })
	return c.err
}

func (c *connStream) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
