// Package client is the Go consumer of the realtime service: an
// in-memory notification mirror plus the pull/push plumbing that keeps
// it in sync with the server.
package client

import (
	"sort"
	"sync"

	"atelier/realtime/internal/notify"
	"atelier/realtime/internal/store"
)

// Cache mirrors a user's notifications on the client side. Every entry
// is keyed by id, so a notification that arrives twice (pulled on
// reconnect and pushed live) is counted once. Read state only moves
// forward: once an entry is read locally it never flips back, which is
// what makes optimistic reads safe without rollback.
type Cache struct {
	mu   sync.Mutex
	byID map[string]store.Notification
}

func NewCache() *Cache {
	return &Cache{byID: make(map[string]store.Notification)}
}

// Merge folds a server page into the cache and reports how many entries
// were previously unknown. For known ids the read flag is kept if either
// side has it set.
func (c *Cache) Merge(items []store.Notification) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	fresh := 0
	for _, n := range items {
		if prev, ok := c.byID[n.ID]; ok {
			if prev.IsRead {
				n.IsRead = true
			}
		} else {
			fresh++
		}
		c.byID[n.ID] = n
	}
	return fresh
}

// Push folds a live push frame into the cache. Returns false when the
// notification was already known.
func (c *Cache) Push(p notify.PushPayload) bool {
	return c.Merge([]store.Notification{{
		ID:        p.ID,
		Type:      p.Type,
		Title:     p.Title,
		Message:   p.Message,
		ActionURL: p.ActionURL,
		SenderID:  p.SenderID,
		IsRead:    p.IsRead,
		CreatedAt: p.CreatedAt,
	}}) == 1
}

// MarkRead flips one entry locally. The caller fires the server request
// separately; a failed request leaves the local flag set.
func (c *Cache) MarkRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byID[id]
	if !ok || n.IsRead {
		return false
	}
	n.IsRead = true
	c.byID[id] = n
	return true
}

func (c *Cache) MarkAllRead() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	flipped := 0
	for id, n := range c.byID {
		if !n.IsRead {
			n.IsRead = true
			c.byID[id] = n
			flipped++
		}
	}
	return flipped
}

// ApplyReadState folds a read broadcast from another device into the
// cache.
func (c *Cache) ApplyReadState(state notify.ReadState) {
	if !state.IsRead {
		return
	}
	if state.NotificationID == notify.ReadAll {
		c.MarkAllRead()
		return
	}
	c.MarkRead(state.NotificationID)
}

// Unread counts distinct unread entries.
func (c *Cache) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, n := range c.byID {
		if !n.IsRead {
			count++
		}
	}
	return count
}

// List returns the cached notifications newest first.
func (c *Cache) List() []store.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Notification, 0, len(c.byID))
	for _, n := range c.byID {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
