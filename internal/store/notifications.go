package store

import (
	"context"
	"encoding/json"
	"fmt"
)

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	recipients, err := json.Marshal(n.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipients, type, title, body, is_read, created_at)
		VALUES ($1, $2::jsonb, $3, $4, $5, $6, $7)
	`, n.ID, string(recipients), n.Type, n.Title, n.Body, n.IsRead, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns one page of notifications addressed to email,
// newest first, along with the total number addressed to it.
func (s *PostgresStore) ListNotifications(ctx context.Context, email string, limit, offset int) ([]Notification, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE recipients @> jsonb_build_array($1::text)
	`, email).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipients, type, title, body, is_read, created_at
		FROM notifications
		WHERE recipients @> jsonb_build_array($1::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, email, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var (
			n          Notification
			recipients []byte
		)
		if err := rows.Scan(&n.ID, &recipients, &n.Type, &n.Title, &n.Body, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		if err := json.Unmarshal(recipients, &n.Recipients); err != nil {
			return nil, 0, fmt.Errorf("decode recipients: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PostgresStore) MarkNotificationsRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}
