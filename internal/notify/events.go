package notify

import (
	"errors"
	"time"
)

type EventType string

const (
	EventMention       EventType = "mention"
	EventComment       EventType = "comment"
	EventTaskChange    EventType = "task_change"
	EventDocumentShare EventType = "document_share"
)

// Event is a domain event emitted by the workspace API after a CRUD
// mutation. RecipientIDs are resolved by the emitter (task assignee,
// document collaborators, mention targets); the pipeline still filters
// them before delivery.
type Event struct {
	Type         EventType `json:"type"`
	Title        string    `json:"title"`
	Message      string    `json:"message,omitempty"`
	ActionURL    string    `json:"actionUrl,omitempty"`
	SenderID     string    `json:"senderId,omitempty"`
	RecipientIDs []string  `json:"recipientIds"`
}

var ErrInvalidEvent = errors.New("invalid event")

func (e Event) validate() error {
	switch e.Type {
	case EventMention, EventComment, EventTaskChange, EventDocumentShare:
	default:
		return ErrInvalidEvent
	}
	if e.Title == "" || len(e.RecipientIDs) == 0 {
		return ErrInvalidEvent
	}
	return nil
}

// recipients dedupes the target list and never notifies the actor about
// their own action.
func (e Event) recipients() []string {
	seen := make(map[string]struct{}, len(e.RecipientIDs))
	out := make([]string, 0, len(e.RecipientIDs))
	for _, id := range e.RecipientIDs {
		if id == "" || id == e.SenderID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// PushPayload is the wire shape of a live notification push.
type PushPayload struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	ActionURL string    `json:"actionUrl,omitempty"`
	SenderID  string    `json:"senderId,omitempty"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReadState is broadcast to a user's other connections after a read-state
// mutation so multi-device state stays consistent. NotificationID is either
// a record id or ReadAll.
type ReadState struct {
	NotificationID string `json:"notificationId"`
	IsRead         bool   `json:"isRead"`
}

const ReadAll = "all"
