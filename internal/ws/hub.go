// Package ws owns the transport side of the realtime service: authenticated
// websocket connections, the per-user connection index, and non-blocking
// frame delivery.
package ws

import (
	"errors"
	"log"
	"sync"
	"time"
)

type Conf struct {
	SendQueueSize int           // per-connection outbound queue
	WriteTimeout  time.Duration // per delivery attempt
}

func (c *Conf) norm() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

var ErrConnExists = errors.New("connection id already bound")

// Hub is the process-wide table of connection bindings: connID -> Conn plus
// a userID index for fan-out. A binding exists only after the transport
// handshake has been authenticated.
type Hub struct {
	mu     sync.RWMutex
	byConn map[string]*Conn
	byUser map[string]map[string]*Conn

	conf     Conf
	onRemove func(connID, userID string)
}

func NewHub(conf Conf) *Hub {
	conf.norm()
	return &Hub{
		byConn: make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		conf:   conf,
	}
}

// OnRemove registers a callback fired after a binding is removed, with the
// hub lock released. The sync registry and presence store hook in here so a
// transport loss cascades into session leave and presence offline.
func (h *Hub) OnRemove(fn func(connID, userID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRemove = fn
}

// Bind registers an authenticated connection. connID must be fresh; the
// handshake generates it, so a duplicate means a caller bug.
func (h *Hub) Bind(connID, userID string, sock socket) (*Conn, error) {
	if connID == "" || userID == "" || sock == nil {
		return nil, errors.New("connID/userID/sock empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byConn[connID]; exists {
		return nil, ErrConnExists
	}
	c := newConn(connID, userID, sock, h.conf.SendQueueSize, h.conf.WriteTimeout)
	h.byConn[connID] = c
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*Conn)
	}
	h.byUser[userID][connID] = c
	return c, nil
}

// Remove closes and unbinds a connection. Safe to call twice.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	c, ok := h.byConn[connID]
	if ok {
		delete(h.byConn, connID)
		if mm := h.byUser[c.UserID]; mm != nil {
			delete(mm, connID)
			if len(mm) == 0 {
				delete(h.byUser, c.UserID)
			}
		}
	}
	fn := h.onRemove
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	if fn != nil {
		fn(connID, c.UserID)
	}
}

func (h *Hub) Get(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byConn[connID]
	return c, ok
}

// UserConnIDs lists the live connection ids bound to a user.
func (h *Hub) UserConnIDs(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.byUser[userID]))
	for id := range h.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}

// UserOnline reports whether the user has at least one bound connection.
func (h *Hub) UserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// Send enqueues a frame on one connection. A full queue counts as a failed
// delivery and drops the connection.
func (h *Hub) Send(connID string, data []byte) error {
	c, ok := h.Get(connID)
	if !ok {
		return errors.New("connection not found")
	}
	if !c.Enqueue(data) {
		log.Printf("ws: dropping slow connection conn=%s user=%s", c.ID, c.UserID)
		h.Remove(connID)
		return errors.New("send queue full")
	}
	return nil
}

// SendUser fans a frame out to every connection bound to the user, except
// exceptConnID (pass "" to target all). Delivery is fire-and-forget per
// connection: a failed peer is removed and the rest are unaffected. Returns
// the number of connections the frame was queued on.
func (h *Hub) SendUser(userID, exceptConnID string, data []byte) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.byUser[userID]))
	for id, c := range h.byUser[userID] {
		if id != exceptConnID {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.Enqueue(data) {
			delivered++
			continue
		}
		log.Printf("ws: dropping slow connection conn=%s user=%s", c.ID, c.UserID)
		h.Remove(c.ID)
	}
	return delivered
}

// Close tears down every binding; used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.byConn))
	for _, c := range h.byConn {
		conns = append(conns, c)
	}
	h.byConn = make(map[string]*Conn)
	h.byUser = make(map[string]map[string]*Conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
