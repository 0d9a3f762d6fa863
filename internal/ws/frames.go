package ws

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types exchanged on both realtime channels. Document sync and
// notification delivery share the envelope; unused fields are omitted.
const (
	FrameAuth      = "auth"     // client -> server: {token}
	FrameReady     = "ready"    // server -> client: binding established, {connectionId}
	FrameJoin      = "join"     // client -> server: {documentId, payload: participant}
	FrameSnapshot  = "snapshot" // server -> client: {documentId, delta: state, payload: participants}
	FrameDelta     = "delta"    // both directions: {documentId, delta}
	FrameAwareness = "awareness" // both directions: {documentId, payload: awareness record}
	FrameJoined    = "participant-joined"
	FrameLeft      = "participant-left"
	FrameResync    = "resync" // server -> client: session torn down, rejoin for a fresh snapshot
	FrameNotify    = "notification" // server -> client: {payload: notification}
	FrameRead      = "read"         // server -> client: {payload: read-state}
	FrameError     = "error"
)

type Frame struct {
	Type         string          `json:"type"`
	DocumentID   string          `json:"documentId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Token        string          `json:"token,omitempty"`
	Delta        []byte          `json:"delta,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
}

var ErrBadFrame = errors.New("bad frame")

func EncodeFrame(f Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// Frame fields are all marshalable; this cannot fail in practice.
		return []byte(`{"type":"error","code":"ENCODE_FAILED"}`)
	}
	return data
}

func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.Type == "" {
		return Frame{}, ErrBadFrame
	}
	return f, nil
}
