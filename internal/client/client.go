package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"atelier/realtime/internal/notify"
	"atelier/realtime/internal/ws"
)

// Client keeps a Cache in sync with the realtime service. Pull requests
// go over HTTP, live updates over the notification websocket. On every
// (re)connect the client pulls the latest page before trusting pushes,
// so anything missed while offline is caught up.
type Client struct {
	baseURL string
	wsURL   string
	token   string
	http      *http.Client
	dialer    *websocket.Dialer
	cache     *Cache
	connected atomic.Bool

	// OnUpdate, when set, is invoked after every cache mutation with the
	// current distinct unread count.
	OnUpdate func(unread int)
}

func New(baseURL, wsURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		wsURL:   wsURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		cache:   NewCache(),
	}
}

func (c *Client) Cache() *Cache { return c.cache }

// Connected reports whether the live subscription is up. While false the
// caller should treat presence-dependent UI as stale.
func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) notifyUpdate() {
	if c.OnUpdate != nil {
		c.OnUpdate(c.cache.Unread())
	}
}

// PullLatest fetches the newest notification page and merges it into the
// cache.
func (c *Client) PullLatest(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/notifications", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull notifications: status %d", resp.StatusCode)
	}
	var page notify.ListResult
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return err
	}
	c.cache.Merge(page.Notifications)
	c.notifyUpdate()
	return nil
}

// MarkRead flips the entry locally first, then tells the server. The
// local flip is kept even if the request fails; the next read broadcast
// or pull reconciles state, and reads never move backwards anyway.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	if c.cache.MarkRead(id) {
		c.notifyUpdate()
	}
	return c.post(ctx, "/api/notifications/"+id+"/read")
}

func (c *Client) MarkAllRead(ctx context.Context) error {
	if c.cache.MarkAllRead() > 0 {
		c.notifyUpdate()
	}
	return c.post(ctx, "/api/notifications/read-all")
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return nil
}

// Run maintains the notification subscription until ctx is done,
// reconnecting with capped backoff after every drop.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.runOnce(ctx)
		if c.connected.Load() {
			// The last attempt got as far as a live stream; start over
			// with a short retry.
			backoff = time.Second
		}
		c.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf(`{"event":"notify_subscription_dropped","error":%q,"retry_in":%q}`, err.Error(), backoff.String())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	authFrame := ws.EncodeFrame(ws.Frame{Type: ws.FrameAuth, Token: c.token})
	if err := conn.WriteMessage(websocket.TextMessage, authFrame); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	ready, err := ws.ParseFrame(data)
	if err != nil {
		return err
	}
	if ready.Type != ws.FrameReady {
		return fmt.Errorf("handshake: expected %q frame, got %q", ws.FrameReady, ready.Type)
	}
	conn.SetReadDeadline(time.Time{})

	// Catch up before trusting the live stream. Deduping in the cache
	// makes the overlap between pull and push harmless.
	if err := c.PullLatest(ctx); err != nil {
		return err
	}
	c.connected.Store(true)

	// The watcher lives only as long as this attempt; without the done
	// channel every reconnect would park one goroutine until ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := ws.ParseFrame(data)
		if err != nil {
			log.Printf(`{"event":"notify_frame_malformed","error":%q}`, err.Error())
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame ws.Frame) {
	switch frame.Type {
	case ws.FrameNotify:
		var payload notify.PushPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			log.Printf(`{"event":"notify_payload_malformed","error":%q}`, err.Error())
			return
		}
		c.cache.Push(payload)
		c.notifyUpdate()
	case ws.FrameRead:
		var state notify.ReadState
		if err := json.Unmarshal(frame.Payload, &state); err != nil {
			log.Printf(`{"event":"read_payload_malformed","error":%q}`, err.Error())
			return
		}
		c.cache.ApplyReadState(state)
		c.notifyUpdate()
	}
}
