package store

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_user_id, type, title, message, action_url, sender_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
	`, item.ID, item.RecipientUserID, item.Type, item.Title, item.Message, item.ActionURL, item.SenderID, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns the recipient's notifications newest first.
func (s *PostgresStore) ListNotifications(ctx context.Context, recipientUserID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_user_id, type, title, message, action_url, sender_id, is_read, created_at
		FROM notifications
		WHERE recipient_user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, recipientUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var items []Notification
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.RecipientUserID, &item.Type, &item.Title, &item.Message, &item.ActionURL, &item.SenderID, &item.IsRead, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UnreadCount derives the counter from the persisted rows; it is never
// tracked separately, so it cannot drift from the records.
func (s *PostgresStore) UnreadCount(ctx context.Context, recipientUserID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE recipient_user_id = $1 AND is_read = FALSE
	`, recipientUserID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

// MarkRead flips one of the recipient's notifications to read and returns
// the updated row. The recipient filter is part of the statement so a
// caller can never touch another user's row; sql.ErrNoRows covers both an
// unknown id and a foreign one.
func (s *PostgresStore) MarkRead(ctx context.Context, id, recipientUserID string) (Notification, error) {
	var item Notification
	err := s.db.QueryRowContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE id = $1 AND recipient_user_id = $2
		RETURNING id, recipient_user_id, type, title, message, action_url, sender_id, is_read, created_at
	`, id, recipientUserID).Scan(&item.ID, &item.RecipientUserID, &item.Type, &item.Title, &item.Message, &item.ActionURL, &item.SenderID, &item.IsRead, &item.CreatedAt)
	if err != nil {
		return Notification{}, err
	}
	return item, nil
}

// MarkAllRead flips every unread notification of the recipient in one
// statement. A row inserted by a concurrent transaction is not visible to
// the update and stays unread, which is the required mark-all semantics.
func (s *PostgresStore) MarkAllRead(ctx context.Context, recipientUserID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE recipient_user_id = $1 AND is_read = FALSE
	`, recipientUserID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all read affected: %w", err)
	}
	return affected, nil
}
