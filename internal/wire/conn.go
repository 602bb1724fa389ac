package wire

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Conn frames messages over a net.Conn. Reads must come from a single
// goroutine; writes may come from any goroutine and never interleave.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (c *Conn) Write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return Write(c.conn, payload)
}

func (c *Conn) Read() ([]byte, error) {
	return Read(c.reader)
}

func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteJSON(c.conn, v)
}

func (c *Conn) ReadJSON(v any) error {
	return ReadJSON(c.reader, v)
}

// SetReadDeadline bounds the next Read. A zero value clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
