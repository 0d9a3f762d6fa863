package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"atelier/realtime/internal/store"
	"atelier/realtime/internal/util"
	"atelier/realtime/internal/ws"
)

// Store is the durable side of the pipeline. *store.PostgresStore
// satisfies it.
type Store interface {
	InsertNotification(ctx context.Context, n store.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]store.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id, recipientUserID string) (store.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

// Pusher delivers a frame to every live connection of a user. *ws.Hub
// satisfies it. Delivery is fire and forget: the durable record is the
// source of truth, a missed push is picked up on the next pull.
type Pusher interface {
	SendUser(userID, exceptConnID string, data []byte) int
}

type Service struct {
	store  Store
	pusher Pusher
	now    func() time.Time
	newID  func() string
}

func NewService(st Store, pusher Pusher) *Service {
	return &Service{
		store:  st,
		pusher: pusher,
		now:    time.Now,
		newID:  func() string { return util.NewID("ntf") },
	}
}

// Publish persists one notification per recipient, then pushes to live
// connections. Persistence always happens first; a recipient whose insert
// fails gets no push and the failure is reported to the caller, while the
// remaining recipients are still processed.
func (s *Service) Publish(ctx context.Context, ev Event) ([]store.Notification, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	var (
		created []store.Notification
		errs    []error
	)
	for _, userID := range ev.recipients() {
		n := store.Notification{
			ID:              s.newID(),
			RecipientUserID: userID,
			Type:            string(ev.Type),
			Title:           ev.Title,
			Message:         ev.Message,
			ActionURL:       ev.ActionURL,
			SenderID:        ev.SenderID,
			CreatedAt:       s.now().UTC(),
		}
		if err := s.store.InsertNotification(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("persist notification for %s: %w", userID, err))
			continue
		}
		created = append(created, n)
		s.push(userID, n)
	}
	return created, errors.Join(errs...)
}

func (s *Service) push(userID string, n store.Notification) {
	payload, err := json.Marshal(PushPayload{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		ActionURL: n.ActionURL,
		SenderID:  n.SenderID,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		log.Printf(`{"event":"notify_encode_failed","id":%q,"error":%q}`, n.ID, err.Error())
		return
	}
	frame := ws.EncodeFrame(ws.Frame{Type: ws.FrameNotify, Payload: payload})
	if delivered := s.pusher.SendUser(userID, "", frame); delivered == 0 {
		log.Printf(`{"event":"notify_push_skipped","user":%q,"id":%q}`, userID, n.ID)
	}
}

// ListResult bundles a notification page with the live unread counter.
type ListResult struct {
	Notifications []store.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

func (s *Service) List(ctx context.Context, userID string, limit int) (ListResult, error) {
	items, err := s.store.ListNotifications(ctx, userID, limit)
	if err != nil {
		return ListResult{}, err
	}
	unread, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		return ListResult{}, err
	}
	if items == nil {
		items = []store.Notification{}
	}
	return ListResult{Notifications: items, UnreadCount: unread}, nil
}

// MarkRead flips one of the user's records and broadcasts the new read
// state to their other connections. The mutation is scoped to userID in
// the store itself, so a foreign or unknown id fails with sql.ErrNoRows
// before anything is flipped or broadcast. originConnID is excluded so
// the mutating device does not receive an echo of its own action.
func (s *Service) MarkRead(ctx context.Context, id, userID, originConnID string) (store.Notification, error) {
	n, err := s.store.MarkRead(ctx, id, userID)
	if err != nil {
		return store.Notification{}, err
	}
	s.broadcastRead(n.RecipientUserID, originConnID, ReadState{NotificationID: n.ID, IsRead: true})
	return n, nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID, originConnID string) (int64, error) {
	updated, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		s.broadcastRead(userID, originConnID, ReadState{NotificationID: ReadAll, IsRead: true})
	}
	return updated, nil
}

func (s *Service) broadcastRead(userID, exceptConnID string, state ReadState) {
	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	s.pusher.SendUser(userID, exceptConnID, ws.EncodeFrame(ws.Frame{Type: ws.FrameRead, Payload: payload}))
}
