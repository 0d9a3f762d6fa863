package app

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"atelier/realtime/internal/awareness"
	"atelier/realtime/internal/util"
	"atelier/realtime/internal/ws"
)

const (
	handshakeWait = 10 * time.Second
	readWait      = 60 * time.Second
)

// Origin checks happen at the API gateway in front of this service; the
// in-band auth frame is what actually gates the socket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// acceptSocket upgrades the request and runs the auth handshake: the client
// must send an auth frame with a valid token before anything else.
func (s *HTTPServer) acceptSocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, Session, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return nil, Session{}, false
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, Session{}, false
	}
	frame, err := ws.ParseFrame(data)
	if err != nil || frame.Type != ws.FrameAuth {
		rejectSocket(conn, "BAD_HANDSHAKE", "expected auth frame")
		return nil, Session{}, false
	}
	session, err := s.service.SessionFromToken(frame.Token)
	if err != nil {
		rejectSocket(conn, "UNAUTHORIZED", "invalid or expired token")
		return nil, Session{}, false
	}
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	return conn, session, true
}

// bindSocket registers the authenticated connection and queues the ready
// frame. Binding happens before the ready frame goes out, so by the time
// the client sees its connection id, pushes can already reach it.
func (s *HTTPServer) bindSocket(conn *websocket.Conn, session Session) (string, bool) {
	connID := util.NewID("conn")
	if _, err := s.service.hub.Bind(connID, session.UserID, conn); err != nil {
		rejectSocket(conn, "BIND_FAILED", "connection binding failed")
		return "", false
	}
	if err := s.service.hub.Send(connID, ws.EncodeFrame(ws.Frame{Type: ws.FrameReady, ConnectionID: connID})); err != nil {
		s.service.hub.Remove(connID)
		return "", false
	}
	return connID, true
}

func rejectSocket(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, ws.EncodeFrame(ws.Frame{Type: ws.FrameError, Code: code, Message: message}))
	conn.Close()
}

// handleDocumentSocket serves one collaborative editing connection. The
// binding, session membership and presence entry all share the connection's
// lifetime; hub removal cascades the rest via the OnRemove hook.
func (s *HTTPServer) handleDocumentSocket(w http.ResponseWriter, r *http.Request, documentID string) {
	conn, session, ok := s.acceptSocket(w, r)
	if !ok {
		return
	}
	connID, ok := s.bindSocket(conn, session)
	if !ok {
		return
	}
	c, ok := s.service.hub.Get(connID)
	if !ok {
		// A concurrent fan-out can drop the binding between bind and here;
		// the connection is already torn down, nothing left to serve.
		return
	}
	defer s.service.hub.Remove(connID)
	s.markOnline(r, session.UserID)

	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		s.service.registry.Heartbeat(connID)
		s.markOnline(r, session.UserID)
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})

	log.Printf(`{"event":"ws_document_open","document":%q,"conn":%q,"user":%q}`, documentID, connID, session.UserID)
	defer log.Printf(`{"event":"ws_document_close","document":%q,"conn":%q,"user":%q}`, documentID, connID, session.UserID)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := ws.ParseFrame(data)
		if err != nil {
			s.service.hub.Send(connID, ws.EncodeFrame(ws.Frame{Type: ws.FrameError, Code: "BAD_FRAME", Message: "malformed frame"}))
			continue
		}

		switch frame.Type {
		case ws.FrameJoin:
			rec := awareness.Record{UserID: session.UserID, DisplayName: session.UserName}
			if len(frame.Payload) > 0 {
				var hint awareness.Record
				if json.Unmarshal(frame.Payload, &hint) == nil {
					if hint.DisplayName != "" {
						rec.DisplayName = hint.DisplayName
					}
					rec.Color = hint.Color
					rec.Cursor = hint.Cursor
				}
			}
			ack, err := s.service.registry.Join(r.Context(), documentID, connID, c, rec)
			if err != nil {
				log.Printf(`{"event":"ws_join_failed","document":%q,"conn":%q,"error":%q}`, documentID, connID, err.Error())
				s.service.hub.Send(connID, ws.EncodeFrame(ws.Frame{Type: ws.FrameError, Code: "JOIN_FAILED", Message: "could not join document session"}))
				continue
			}
			participants, _ := json.Marshal(ack.Participants)
			s.service.hub.Send(connID, ws.EncodeFrame(ws.Frame{
				Type:         ws.FrameSnapshot,
				DocumentID:   documentID,
				ConnectionID: connID,
				Delta:        ack.Snapshot,
				Payload:      participants,
			}))

		case ws.FrameDelta:
			s.service.registry.SubmitDelta(documentID, connID, frame.Delta)

		case ws.FrameAwareness:
			var rec awareness.Record
			if err := json.Unmarshal(frame.Payload, &rec); err != nil {
				continue
			}
			s.service.registry.Awareness(documentID, connID, rec.Cursor)

		default:
			s.service.hub.Send(connID, ws.EncodeFrame(ws.Frame{Type: ws.FrameError, Code: "BAD_FRAME", Message: "unsupported frame type"}))
		}
	}
}

// handleNotificationSocket serves one live notification subscription. All
// traffic is server to client; inbound messages only feed liveness.
func (s *HTTPServer) handleNotificationSocket(w http.ResponseWriter, r *http.Request) {
	conn, session, ok := s.acceptSocket(w, r)
	if !ok {
		return
	}
	connID, ok := s.bindSocket(conn, session)
	if !ok {
		return
	}
	defer s.service.hub.Remove(connID)
	s.markOnline(r, session.UserID)

	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		s.markOnline(r, session.UserID)
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})

	log.Printf(`{"event":"ws_notify_open","conn":%q,"user":%q}`, connID, session.UserID)
	defer log.Printf(`{"event":"ws_notify_close","conn":%q,"user":%q}`, connID, session.UserID)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *HTTPServer) markOnline(r *http.Request, userID string) {
	if s.service.presence == nil {
		return
	}
	if err := s.service.presence.Online(r.Context(), userID); err != nil {
		log.Printf(`{"event":"presence_online_failed","user":%q,"error":%q}`, userID, err.Error())
	}
}
