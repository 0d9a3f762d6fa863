package store

import "time"

// Notification is the durable at-rest copy of a delivered event. The payload
// is immutable after creation; only the read flag changes.
type Notification struct {
	ID              string    `json:"id"`
	RecipientUserID string    `json:"recipientUserId"`
	Type            string    `json:"type"`
	Title           string    `json:"title"`
	Message         string    `json:"message,omitempty"`
	ActionURL       string    `json:"actionUrl,omitempty"`
	SenderID        string    `json:"senderId,omitempty"`
	IsRead          bool      `json:"isRead"`
	CreatedAt       time.Time `json:"createdAt"`
}
