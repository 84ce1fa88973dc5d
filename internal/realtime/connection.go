package realtime

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const defaultBufferSize = 32

// Connection is one live client channel. Frames are queued without blocking; a full or
// closed queue drops the frame.
type Connection struct {
	id          string
	userID      string
	device      string
	connectedAt time.Time

	mu       sync.RWMutex
	closed   bool
	outbound chan []byte
}

// NewConnection allocates a connection with a fresh ULID identifier.
func NewConnection(userID, device string, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Connection{
		id:          ulid.Make().String(),
		userID:      userID,
		device:      device,
		connectedAt: time.Now().UTC(),
		outbound:    make(chan []byte, bufferSize),
	}
}

func (c *Connection) ID() string {
	return c.id
}

// UserID returns the authenticated identity the connection was opened with.
func (c *Connection) UserID() string {
	return c.userID
}

func (c *Connection) Device() string {
	return c.device
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Outbound exposes the frame queue to the transport writer. It is closed on Close.
func (c *Connection) Outbound() <-chan []byte {
	return c.outbound
}

// Deliver enqueues a frame and reports whether it was accepted.
func (c *Connection) Deliver(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// Close stops further delivery. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbound)
}

func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
