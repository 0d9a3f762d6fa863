package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"atelier/realtime/internal/awareness"
	"atelier/realtime/internal/crdt"
	"atelier/realtime/internal/ws"
)

func wsBase(env *testEnv) string {
	return strings.Replace(env.server.URL, "http://", "ws://", 1)
}

func readFrame(t *testing.T, conn *websocket.Conn) ws.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	frame, err := ws.ParseFrame(data)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame ws.Frame) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, ws.EncodeFrame(frame)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// dialSocket completes the auth handshake and returns the connection id
// assigned in the ready frame.
func dialSocket(t *testing.T, url, token string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	writeFrame(t, conn, ws.Frame{Type: ws.FrameAuth, Token: token})
	ready := readFrame(t, conn)
	if ready.Type != ws.FrameReady || ready.ConnectionID == "" {
		t.Fatalf("handshake reply = %+v, want ready with connection id", ready)
	}
	return conn, ready.ConnectionID
}

func TestDocumentSocketRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsBase(env)+"/ws/documents/doc-1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	writeFrame(t, conn, ws.Frame{Type: ws.FrameAuth, Token: "garbage"})
	frame := readFrame(t, conn)
	if frame.Type != ws.FrameError || frame.Code != "UNAUTHORIZED" {
		t.Fatalf("frame = %+v, want UNAUTHORIZED error", frame)
	}
}

func TestDocumentCollaborationOverSocket(t *testing.T) {
	env := newTestEnv(t)
	url := wsBase(env) + "/ws/documents/doc-1"

	alice, aliceConn := dialSocket(t, url, issueTestToken(t, "user-a", "Alice"))
	defer alice.Close()
	writeFrame(t, alice, ws.Frame{Type: ws.FrameJoin, DocumentID: "doc-1"})
	snapshot := readFrame(t, alice)
	if snapshot.Type != ws.FrameSnapshot {
		t.Fatalf("frame = %+v, want snapshot", snapshot)
	}
	var participants []awareness.Record
	if err := json.Unmarshal(snapshot.Payload, &participants); err != nil {
		t.Fatalf("decode participants: %v", err)
	}
	if len(participants) != 1 || participants[0].UserID != "user-a" {
		t.Fatalf("participants = %+v, want just alice", participants)
	}

	bob, _ := dialSocket(t, url, issueTestToken(t, "user-b", "Bob"))
	defer bob.Close()
	writeFrame(t, bob, ws.Frame{Type: ws.FrameJoin, DocumentID: "doc-1"})
	if frame := readFrame(t, bob); frame.Type != ws.FrameSnapshot {
		t.Fatalf("frame = %+v, want snapshot", frame)
	}

	// Alice sees bob arrive.
	joined := readFrame(t, alice)
	if joined.Type != ws.FrameJoined {
		t.Fatalf("frame = %+v, want participant-joined", joined)
	}

	// Alice edits; bob receives the delta attributed to alice's connection.
	delta := crdt.EncodeUpdate([]byte("insert hello at 0"))
	writeFrame(t, alice, ws.Frame{Type: ws.FrameDelta, DocumentID: "doc-1", Delta: delta})
	got := readFrame(t, bob)
	if got.Type != ws.FrameDelta || got.ConnectionID != aliceConn {
		t.Fatalf("frame = %+v, want delta from alice", got)
	}
	if !bytes.Equal(got.Delta, delta) {
		t.Fatalf("delta mismatch")
	}

	// Awareness updates reach the other participant without touching state.
	cursor, _ := json.Marshal(awareness.Record{Cursor: &awareness.CursorRange{From: 3, To: 7}})
	writeFrame(t, alice, ws.Frame{Type: ws.FrameAwareness, DocumentID: "doc-1", Payload: cursor})
	aw := readFrame(t, bob)
	if aw.Type != ws.FrameAwareness {
		t.Fatalf("frame = %+v, want awareness", aw)
	}
	var rec awareness.Record
	if err := json.Unmarshal(aw.Payload, &rec); err != nil {
		t.Fatalf("decode awareness: %v", err)
	}
	if rec.ConnectionID != aliceConn || rec.Cursor == nil || rec.Cursor.From != 3 {
		t.Fatalf("record = %+v, want alice's cursor", rec)
	}
}

func TestNotificationSocketReceivesPush(t *testing.T) {
	env := newTestEnv(t)

	conn, _ := dialSocket(t, wsBase(env)+"/ws/notifications", issueTestToken(t, "user-b", "Bella"))
	defer conn.Close()

	body := `{"type":"mention","title":"Alice mentioned you","recipientIds":["user-b"]}`
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/internal/events", strings.NewReader(body))
	req.Header.Set("x-atelier-event-token", "event-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	frame := readFrame(t, conn)
	if frame.Type != ws.FrameNotify {
		t.Fatalf("frame = %+v, want notification", frame)
	}
	var payload map[string]any
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["title"] != "Alice mentioned you" || payload["isRead"] != false {
		t.Fatalf("payload = %v", payload)
	}
}

func TestDisconnectCascadesToSessionLeave(t *testing.T) {
	env := newTestEnv(t)
	url := wsBase(env) + "/ws/documents/doc-1"

	alice, _ := dialSocket(t, url, issueTestToken(t, "user-a", "Alice"))
	writeFrame(t, alice, ws.Frame{Type: ws.FrameJoin, DocumentID: "doc-1"})
	if frame := readFrame(t, alice); frame.Type != ws.FrameSnapshot {
		t.Fatalf("frame = %+v, want snapshot", frame)
	}

	bob, _ := dialSocket(t, url, issueTestToken(t, "user-b", "Bob"))
	defer bob.Close()
	writeFrame(t, bob, ws.Frame{Type: ws.FrameJoin, DocumentID: "doc-1"})
	if frame := readFrame(t, bob); frame.Type != ws.FrameSnapshot {
		t.Fatalf("frame = %+v, want snapshot", frame)
	}
	if frame := readFrame(t, alice); frame.Type != ws.FrameJoined {
		t.Fatalf("frame = %+v, want participant-joined", frame)
	}

	alice.Close()
	left := readFrame(t, bob)
	if left.Type != ws.FrameLeft {
		t.Fatalf("frame = %+v, want participant-left after disconnect", left)
	}
}
