// Package crdt isolates the replicated-structure primitive behind a narrow
// merge/encode/decode surface. Sync sessions treat deltas as opaque bytes;
// only this package knows their framing.
package crdt

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"
	"sync"
)

// State is the merge target owned by a document sync session. Applying any
// valid set of deltas in any order converges to the same snapshot.
type State interface {
	Apply(delta []byte) error
	Snapshot() []byte
}

var ErrMalformedDelta = errors.New("malformed delta")

// UpdateLog is the default State: a grow-only set of opaque updates keyed by
// content hash. Union is commutative, associative, and idempotent, so receipt
// order never affects the final snapshot. A delta is one or more framed
// updates; a snapshot uses the same framing, which makes Apply(snapshot) a
// full state-based merge.
type UpdateLog struct {
	mu      sync.Mutex
	updates map[[sha256.Size]byte][]byte
}

func NewUpdateLog() *UpdateLog {
	return &UpdateLog{updates: make(map[[sha256.Size]byte][]byte)}
}

// OpenUpdateLog rebuilds a state from a previously taken snapshot.
func OpenUpdateLog(snapshot []byte) (*UpdateLog, error) {
	l := NewUpdateLog()
	if len(snapshot) == 0 {
		return l, nil
	}
	if err := l.Apply(snapshot); err != nil {
		return nil, err
	}
	return l, nil
}

// Apply merges every update framed in delta. The whole delta must parse;
// a truncated or oversized frame leaves the state untouched and reports
// ErrMalformedDelta.
func (l *UpdateLog) Apply(delta []byte) error {
	if len(delta) == 0 {
		return ErrMalformedDelta
	}
	payloads, err := decodeFrames(delta)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, payload := range payloads {
		l.updates[sha256.Sum256(payload)] = payload
	}
	return nil
}

// Snapshot encodes the full state deterministically: updates sorted by
// content hash, framed the same way deltas are.
func (l *UpdateLog) Snapshot() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	hashes := make([][sha256.Size]byte, 0, len(l.updates))
	for h := range l.updates {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		for k := 0; k < sha256.Size; k++ {
			if hashes[i][k] != hashes[j][k] {
				return hashes[i][k] < hashes[j][k]
			}
		}
		return false
	})

	var out []byte
	for _, h := range hashes {
		out = appendFrame(out, l.updates[h])
	}
	return out
}

// Len reports the number of distinct updates merged so far.
func (l *UpdateLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updates)
}

// EncodeUpdate frames a single update payload as a delta.
func EncodeUpdate(payload []byte) []byte {
	return appendFrame(nil, payload)
}

func appendFrame(dst, payload []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

func decodeFrames(data []byte) ([][]byte, error) {
	var payloads [][]byte
	for len(data) > 0 {
		size, n := binary.Uvarint(data)
		if n <= 0 || size > uint64(len(data)-n) {
			return nil, ErrMalformedDelta
		}
		payload := make([]byte, size)
		copy(payload, data[n:n+int(size)])
		payloads = append(payloads, payload)
		data = data[n+int(size):]
	}
	return payloads, nil
}
