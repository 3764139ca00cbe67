package connection

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"strzcam.com/framecast/frame"
)

// Conn is one viewer stream. Writes are serialized and the underlying
// handle is closed exactly once.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	conn         net.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// NewConn wraps c. A zero writeTimeout leaves writes unbounded.
func NewConn(c net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		ID:           uuid.NewString(),
		ConnectedAt:  time.Now(),
		conn:         c,
		writeTimeout: writeTimeout,
	}
}

// Send writes the whole packet or reports a peer-closed StreamError.
func (c *Conn) Send(p frame.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return frame.ClosedError("write", net.ErrClosed)
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return frame.ClosedError("write", err)
		}
	}
	if _, err := c.conn.Write(p); err != nil {
		return frame.ClosedError("write", err)
	}
	return nil
}

// Close does not wait for an in-flight Send; closing the handle unblocks it.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) Alive() bool {
	return !c.closed.Load()
}

func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
