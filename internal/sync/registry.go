package sync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"atelier/realtime/internal/awareness"
	"atelier/realtime/internal/crdt"
	"atelier/realtime/internal/ws"
)

// SnapshotLoader fetches a document's durable state when the first
// participant joins. The workspace API owns durable content; sessions only
// hold the live merge target.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, documentID string) ([]byte, error)
}

type Conf struct {
	AwarenessTTL time.Duration    // silence after which a participant is presumed gone
	SweepEvery   time.Duration    // liveness sweep period
	Clock        func() time.Time // injectable for tests; nil => time.Now
	OpenState    func(snapshot []byte) (crdt.State, error)
	Loader       SnapshotLoader // nil => sessions start from an empty state
}

func (c *Conf) norm() {
	if c.AwarenessTTL <= 0 {
		c.AwarenessTTL = 30 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.OpenState == nil {
		c.OpenState = func(snapshot []byte) (crdt.State, error) { return crdt.OpenUpdateLog(snapshot) }
	}
}

// Registry is the process-wide table of live document sync sessions:
// documentID -> session, at most one per document per process. It is
// instantiated (never global) so tests run isolated registries.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	byConn   map[string]map[string]struct{} // connID -> documentIDs joined

	conf     Conf
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRegistry(conf Conf) *Registry {
	conf.norm()
	r := &Registry{
		sessions: make(map[string]*session),
		byConn:   make(map[string]map[string]struct{}),
		conf:     conf,
		stopCh:   make(chan struct{}),
	}
	go r.sweeper()
	return r
}

func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Join attaches a connection to the document's session, creating the session
// on first join. Re-joining with the same connection replaces the prior
// participant record rather than duplicating it.
func (r *Registry) Join(ctx context.Context, documentID, connID string, peer Peer, rec awareness.Record) (JoinAck, error) {
	if documentID == "" || connID == "" || peer == nil {
		return JoinAck{}, fmt.Errorf("documentID/connID/peer empty")
	}
	rec.ConnectionID = connID
	now := r.conf.Clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[documentID]
	if !ok {
		var snapshot []byte
		if r.conf.Loader != nil {
			loaded, err := r.conf.Loader.LoadSnapshot(ctx, documentID)
			if err != nil {
				return JoinAck{}, fmt.Errorf("load snapshot for %s: %w", documentID, err)
			}
			snapshot = loaded
		}
		state, err := r.conf.OpenState(snapshot)
		if err != nil {
			return JoinAck{}, fmt.Errorf("open state for %s: %w", documentID, err)
		}
		s = &session{
			documentID:   documentID,
			state:        state,
			participants: make(map[string]*participant),
		}
		r.sessions[documentID] = s
	}

	replaced := s.participants[connID] != nil
	s.participants[connID] = &participant{
		rec:      rec,
		peer:     peer,
		deadline: now.Add(r.conf.AwarenessTTL),
	}
	s.lastActivity = now
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]struct{})
	}
	r.byConn[connID][documentID] = struct{}{}

	if !replaced {
		if payload, err := awareness.Encode(rec); err == nil {
			frame := ws.EncodeFrame(ws.Frame{Type: ws.FrameJoined, DocumentID: documentID, Payload: payload})
			r.dropFailedLocked(s, s.broadcast(connID, frame))
		}
	}

	return JoinAck{
		ConnectionID: connID,
		Snapshot:     s.state.Snapshot(),
		Participants: s.records(),
	}, nil
}

// Leave detaches a connection from every session holding it. A session whose
// last participant leaves is destroyed; its in-memory state is discarded
// because durable content is persisted by the workspace API on save.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for documentID := range r.byConn[connID] {
		r.removeParticipantLocked(documentID, connID)
	}
}

// SubmitDelta merges a participant's delta and rebroadcasts it to the other
// participants of the same session. Unknown session/connection pairs are
// logged and ignored: they happen benignly during disconnect races.
func (r *Registry) SubmitDelta(documentID, connID string, delta []byte) {
	now := r.conf.Clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[documentID]
	if !ok {
		log.Printf("sync: delta for unknown session document=%s conn=%s", documentID, connID)
		return
	}
	p, ok := s.participants[connID]
	if !ok {
		log.Printf("sync: delta from non-participant document=%s conn=%s", documentID, connID)
		return
	}

	if err := s.state.Apply(delta); err != nil {
		// Diverged or corrupt state is worse than a forced rejoin: tear the
		// session down and make everyone re-fetch a fresh snapshot.
		log.Printf("sync: delta failed to apply, tearing down session document=%s conn=%s err=%v", documentID, connID, err)
		r.teardownLocked(documentID, s)
		return
	}

	p.deadline = now.Add(r.conf.AwarenessTTL)
	s.lastActivity = now

	// Holding the registry lock while enqueueing guarantees delta N reaches
	// every send queue before delta N+1 is accepted.
	frame := ws.EncodeFrame(ws.Frame{Type: ws.FrameDelta, DocumentID: documentID, ConnectionID: connID, Delta: delta})
	r.dropFailedLocked(s, s.broadcast(connID, frame))
}

// Awareness records a cursor/selection update (last-writer-wins per
// connection) and rebroadcasts it without touching replicated state.
func (r *Registry) Awareness(documentID, connID string, cursor *awareness.CursorRange) {
	now := r.conf.Clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[documentID]
	if !ok {
		return
	}
	p, ok := s.participants[connID]
	if !ok {
		return
	}
	p.rec.Cursor = cursor
	p.deadline = now.Add(r.conf.AwarenessTTL)
	s.lastActivity = now

	payload, err := awareness.Encode(p.rec)
	if err != nil {
		return
	}
	frame := ws.EncodeFrame(ws.Frame{Type: ws.FrameAwareness, DocumentID: documentID, Payload: payload})
	r.dropFailedLocked(s, s.broadcast(connID, frame))
}

// Heartbeat refreshes a participant's liveness without broadcasting.
func (r *Registry) Heartbeat(connID string) {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for documentID := range r.byConn[connID] {
		if s, ok := r.sessions[documentID]; ok {
			if p, ok := s.participants[connID]; ok {
				p.deadline = now.Add(r.conf.AwarenessTTL)
			}
		}
	}
}

// HasSession reports whether a live session exists for the document.
func (r *Registry) HasSession(documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[documentID]
	return ok
}

// Participants lists the current awareness records of a session.
func (r *Registry) Participants(documentID string) []awareness.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	if !ok {
		return nil
	}
	return s.records()
}

func (r *Registry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.SweepOnce(r.conf.Clock())
		}
	}
}

// SweepOnce removes participants whose liveness window lapsed, broadcasting
// their departure, and destroys sessions left empty.
func (r *Registry) SweepOnce(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for documentID, s := range r.sessions {
		for connID, p := range s.participants {
			if now.After(p.deadline) {
				log.Printf("sync: participant timed out document=%s conn=%s", documentID, connID)
				r.removeParticipantLocked(documentID, connID)
			}
		}
	}
}

// removeParticipantLocked detaches one participant, broadcasts the
// departure, and destroys the session if it became empty.
func (r *Registry) removeParticipantLocked(documentID, connID string) {
	s, ok := r.sessions[documentID]
	if !ok {
		return
	}
	if _, ok := s.participants[connID]; !ok {
		return
	}
	delete(s.participants, connID)
	if mm := r.byConn[connID]; mm != nil {
		delete(mm, documentID)
		if len(mm) == 0 {
			delete(r.byConn, connID)
		}
	}
	if len(s.participants) == 0 {
		delete(r.sessions, documentID)
		return
	}
	frame := ws.EncodeFrame(ws.Frame{Type: ws.FrameLeft, DocumentID: documentID, ConnectionID: connID})
	r.dropFailedLocked(s, s.broadcast(connID, frame))
}

// teardownLocked destroys a session outright and tells every participant to
// rejoin for a fresh snapshot.
func (r *Registry) teardownLocked(documentID string, s *session) {
	frame := ws.EncodeFrame(ws.Frame{Type: ws.FrameResync, DocumentID: documentID, Code: "SESSION_RESET", Message: "session state reset, rejoin"})
	for connID, p := range s.participants {
		_ = p.peer.Enqueue(frame)
		if mm := r.byConn[connID]; mm != nil {
			delete(mm, documentID)
			if len(mm) == 0 {
				delete(r.byConn, connID)
			}
		}
	}
	delete(r.sessions, documentID)
}

// dropFailedLocked removes participants whose enqueue failed, as if they had
// left: a dead peer must not block delivery to the rest.
func (r *Registry) dropFailedLocked(s *session, failed []string) {
	for _, connID := range failed {
		log.Printf("sync: dropping unreachable participant document=%s conn=%s", s.documentID, connID)
		r.removeParticipantLocked(s.documentID, connID)
	}
}
