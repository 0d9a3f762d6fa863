// Package sync owns live document collaboration: one session per open
// document merges deltas into the replicated state and rebroadcasts them,
// tracks participant awareness, and expires silent participants.
package sync

import (
	"time"

	"atelier/realtime/internal/awareness"
	"atelier/realtime/internal/crdt"
)

// Peer delivers frames to one participant's transport connection. Enqueue
// must not block; false means the connection is gone or too slow, and the
// participant is removed as if it had left.
type Peer interface {
	Enqueue(data []byte) bool
}

// participant entries live in a per-session arena keyed by connection id, so
// teardown drops the map instead of walking object graphs.
type participant struct {
	rec      awareness.Record
	peer     Peer
	deadline time.Time
}

type session struct {
	documentID   string
	state        crdt.State
	participants map[string]*participant
	lastActivity time.Time
}

// JoinAck is the server's answer to a join: the full replicated state plus
// everyone currently in the session (the joiner included).
type JoinAck struct {
	ConnectionID string
	Snapshot     []byte
	Participants []awareness.Record
}

func (s *session) records() []awareness.Record {
	out := make([]awareness.Record, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p.rec)
	}
	return out
}

// broadcast enqueues a frame on every participant except the one named in
// exceptConnID and reports the connection ids whose enqueue failed.
func (s *session) broadcast(exceptConnID string, data []byte) []string {
	var failed []string
	for connID, p := range s.participants {
		if connID == exceptConnID {
			continue
		}
		if !p.peer.Enqueue(data) {
			failed = append(failed, connID)
		}
	}
	return failed
}
