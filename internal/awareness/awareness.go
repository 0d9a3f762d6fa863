// Package awareness encodes ephemeral per-participant presence records
// (identity, color, cursor/selection) for broadcast. Records are
// last-writer-wins per connection and are never merged into document state.
package awareness

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
)

type CursorRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type Record struct {
	ConnectionID string       `json:"connectionId"`
	UserID       string       `json:"userId"`
	DisplayName  string       `json:"displayName"`
	Color        string       `json:"color"`
	Cursor       *CursorRange `json:"cursor"`
}

var ErrInvalidRecord = errors.New("invalid awareness record")

// palette matches the client's presence swatches.
var palette = []string{
	"#f94144", "#f3722c", "#f8961e", "#f9c74f",
	"#90be6d", "#43aa8b", "#4d908e", "#577590", "#277da1",
}

// PickColor deterministically assigns a palette color so every peer renders
// the same color for the same user without coordination.
func PickColor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Encode validates and serializes a record. A missing color is filled from
// the palette; a cursor with an inverted range is normalized.
func Encode(rec Record) ([]byte, error) {
	if rec.ConnectionID == "" || rec.UserID == "" {
		return nil, ErrInvalidRecord
	}
	if rec.Color == "" {
		rec.Color = PickColor(rec.UserID)
	}
	if rec.Cursor != nil && rec.Cursor.To < rec.Cursor.From {
		rec.Cursor = &CursorRange{From: rec.Cursor.To, To: rec.Cursor.From}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal awareness record: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, ErrInvalidRecord
	}
	if rec.ConnectionID == "" {
		return Record{}, ErrInvalidRecord
	}
	return rec, nil
}
