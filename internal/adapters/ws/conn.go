package ws

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Collab/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Conn is the relay side of one websocket. The hub only ever sees it as
// a core.SignalConnection.
type Conn struct {
	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newConn(c *websocket.Conn, backlog int) *Conn {
	return &Conn{
		conn: c,
		send: make(chan core.Frame, backlog),
		done: make(chan struct{}),
	}
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Done is closed once the connection is closed from either side.
func (c *Conn) Done() <-chan struct{} { return c.done }
