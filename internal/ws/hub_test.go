package ws

import (
	"sync"
	"testing"
	"time"
)

type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	gate   chan struct{} // non-nil: WriteMessage blocks until closed
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBindAndSend(t *testing.T) {
	hub := NewHub(Conf{})
	defer hub.Close()

	sock := &fakeSocket{}
	if _, err := hub.Bind("conn-1", "user-1", sock); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := hub.Send("conn-1", []byte("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, func() bool { return sock.frameCount() == 1 })
}

func TestBindRejectsDuplicateConnID(t *testing.T) {
	hub := NewHub(Conf{})
	defer hub.Close()

	if _, err := hub.Bind("conn-1", "user-1", &fakeSocket{}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if _, err := hub.Bind("conn-1", "user-2", &fakeSocket{}); err != ErrConnExists {
		t.Fatalf("Bind() error = %v, want ErrConnExists", err)
	}
}

func TestSendUserFansOutToAllConnections(t *testing.T) {
	hub := NewHub(Conf{})
	defer hub.Close()

	a := &fakeSocket{}
	b := &fakeSocket{}
	other := &fakeSocket{}
	mustBind(t, hub, "conn-a", "user-1", a)
	mustBind(t, hub, "conn-b", "user-1", b)
	mustBind(t, hub, "conn-x", "user-2", other)

	if got := hub.SendUser("user-1", "", []byte("ping")); got != 2 {
		t.Fatalf("SendUser() = %d, want 2", got)
	}
	waitFor(t, func() bool { return a.frameCount() == 1 && b.frameCount() == 1 })
	if other.frameCount() != 0 {
		t.Fatal("frame leaked to another user's connection")
	}
}

func TestSendUserSkipsOriginConnection(t *testing.T) {
	hub := NewHub(Conf{})
	defer hub.Close()

	a := &fakeSocket{}
	b := &fakeSocket{}
	mustBind(t, hub, "conn-a", "user-1", a)
	mustBind(t, hub, "conn-b", "user-1", b)

	if got := hub.SendUser("user-1", "conn-a", []byte("ping")); got != 1 {
		t.Fatalf("SendUser() = %d, want 1", got)
	}
	waitFor(t, func() bool { return b.frameCount() == 1 })
	if a.frameCount() != 0 {
		t.Fatal("origin connection received its own frame")
	}
}

func TestRemoveUnbindsAndNotifies(t *testing.T) {
	hub := NewHub(Conf{})
	defer hub.Close()

	var mu sync.Mutex
	var removed []string
	hub.OnRemove(func(connID, userID string) {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, connID+"/"+userID)
	})

	sock := &fakeSocket{}
	mustBind(t, hub, "conn-1", "user-1", sock)
	hub.Remove("conn-1")
	hub.Remove("conn-1") // second remove is a no-op

	if hub.UserOnline("user-1") {
		t.Fatal("user still online after removal")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(removed) != 1 || removed[0] != "conn-1/user-1" {
		t.Fatalf("unexpected removals: %v", removed)
	}
}

func TestGetReportsMissingAfterRemove(t *testing.T) {
	hub := NewHub(Conf{})
	defer hub.Close()

	mustBind(t, hub, "conn-1", "user-1", &fakeSocket{})
	hub.Remove("conn-1")

	// Callers must branch on ok: the *Conn is gone, and a nil pointer
	// smuggled through an interface would still pass a != nil check.
	if c, ok := hub.Get("conn-1"); ok || c != nil {
		t.Fatalf("Get after remove = (%v, %v), want (nil, false)", c, ok)
	}
}

func TestSlowConnectionIsDropped(t *testing.T) {
	hub := NewHub(Conf{SendQueueSize: 1})
	defer hub.Close()

	gate := make(chan struct{})
	defer close(gate)
	stuck := &fakeSocket{gate: gate}
	healthy := &fakeSocket{}
	mustBind(t, hub, "conn-stuck", "user-1", stuck)
	mustBind(t, hub, "conn-ok", "user-1", healthy)

	// The writer is blocked, so the one-slot queue fills and the hub drops
	// the connection instead of stalling fan-out.
	for i := 0; i < 10; i++ {
		hub.SendUser("user-1", "", []byte("ping"))
		time.Sleep(2 * time.Millisecond) // let the healthy writer drain its one-slot queue
	}

	waitFor(t, func() bool {
		_, ok := hub.Get("conn-stuck")
		return !ok
	})
	if _, ok := hub.Get("conn-ok"); !ok {
		t.Fatal("healthy connection was dropped alongside the slow one")
	}
	waitFor(t, func() bool { return healthy.frameCount() == 10 })
}

func mustBind(t *testing.T, hub *Hub, connID, userID string, sock socket) {
	t.Helper()
	if _, err := hub.Bind(connID, userID, sock); err != nil {
		t.Fatalf("Bind(%s) error = %v", connID, err)
	}
}
