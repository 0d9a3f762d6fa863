package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socket is the slice of *websocket.Conn the hub needs; tests substitute an
// in-memory implementation.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one authenticated transport connection. Frames are queued on a
// buffered channel and drained by a single writer goroutine, so fan-out never
// blocks on a peer's socket.
type Conn struct {
	ID     string
	UserID string

	sock         socket
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newConn(id, userID string, sock socket, queueSize int, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ID:           id,
		UserID:       userID,
		sock:         sock,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go c.writeLoop()
	return c
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Enqueue queues a frame for delivery. It reports false when the connection
// is closed or the queue is full (a slow client); the caller decides whether
// to drop the connection.
func (c *Conn) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.sock.Close()
				return
			}
		case <-c.done:
			// Best-effort close frame before tearing the socket down.
			_ = c.sock.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.sock.Close()
			return
		}
	}
}
