package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const directColumns = `id, workspace_id, sender_email, receiver_email, COALESCE(body, ''), COALESCE(file_ref, ''), is_read, created_at`

func scanDirectMessage(row rowScanner) (DirectMessage, error) {
	var m DirectMessage
	err := row.Scan(&m.ID, &m.WorkspaceID, &m.SenderEmail, &m.ReceiverEmail, &m.Body, &m.FileRef, &m.IsRead, &m.CreatedAt)
	return m, err
}

func (s *PostgresStore) InsertDirectMessage(ctx context.Context, m DirectMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO direct_messages (id, workspace_id, sender_email, receiver_email, body, file_ref, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.WorkspaceID, m.SenderEmail, m.ReceiverEmail, nullable(m.Body), nullable(m.FileRef), m.IsRead, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert direct message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDirectMessage(ctx context.Context, id string) (DirectMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+directColumns+` FROM direct_messages WHERE id = $1`, id)
	return scanDirectMessage(row)
}

// ListDirectMessages returns the messages exchanged between two participants
// in a workspace, oldest first.
func (s *PostgresStore) ListDirectMessages(ctx context.Context, workspaceID, a, b string) ([]DirectMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+directColumns+`
		FROM direct_messages
		WHERE workspace_id = $1
			AND ((sender_email = $2 AND receiver_email = $3) OR (sender_email = $3 AND receiver_email = $2))
		ORDER BY created_at ASC, id ASC
	`, workspaceID, a, b)
	if err != nil {
		return nil, fmt.Errorf("list direct messages: %w", err)
	}
	defer rows.Close()

	items := make([]DirectMessage, 0)
	for rows.Next() {
		m, err := scanDirectMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan direct message: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PostgresStore) MarkDirectMessagesRead(ctx context.Context, workspaceID, senderEmail, receiverEmail string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE direct_messages
		SET is_read = TRUE
		WHERE workspace_id = $1 AND sender_email = $2 AND receiver_email = $3 AND is_read = FALSE
	`, workspaceID, senderEmail, receiverEmail)
	if err != nil {
		return 0, fmt.Errorf("mark direct messages read: %w", err)
	}
	return result.RowsAffected()
}

// ListConversationSummaries returns the latest message per (workspace, other
// participant) for every workspace where email is an accepted member.
func (s *PostgresStore) ListConversationSummaries(ctx context.Context, email string) ([]ConversationSummary, error) {
	const query = `
		WITH accepted AS (
			SELECT workspace_id FROM workspace_memberships WHERE email = $1 AND status = 'accepted'
		), pairs AS (
			SELECT dm.id, dm.workspace_id, dm.receiver_email, dm.body, dm.file_ref, dm.is_read, dm.created_at,
				CASE WHEN dm.sender_email = $1 THEN dm.receiver_email ELSE dm.sender_email END AS other_email
			FROM direct_messages dm
			JOIN accepted a ON a.workspace_id = dm.workspace_id
			WHERE dm.sender_email = $1 OR dm.receiver_email = $1
		), latest AS (
			SELECT DISTINCT ON (workspace_id, other_email) workspace_id, other_email, body, file_ref, created_at
			FROM pairs
			ORDER BY workspace_id, other_email, created_at DESC, id DESC
		), unread AS (
			SELECT workspace_id, other_email, COUNT(*) AS unread_count
			FROM pairs
			WHERE receiver_email = $1 AND is_read = FALSE
			GROUP BY workspace_id, other_email
		)
		SELECT l.workspace_id, l.other_email, COALESCE(l.body, ''), COALESCE(l.file_ref, ''), l.created_at,
			COALESCE(u.unread_count, 0)
		FROM latest l
		LEFT JOIN unread u ON u.workspace_id = l.workspace_id AND u.other_email = l.other_email
		ORDER BY l.workspace_id ASC, l.created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, email)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]ConversationSummary, 0)
	for rows.Next() {
		var item ConversationSummary
		if err := rows.Scan(&item.WorkspaceID, &item.OtherEmail, &item.LastBody, &item.LastFileRef, &item.LastMessageAt, &item.UnreadCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteDirectMessage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM direct_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete direct message: %w", err)
	}
	return nil
}

const broadcastColumns = `id, workspace_id, sender_email, COALESCE(body, ''), COALESCE(file_ref, ''), is_pinned, pin_expires_at, created_at`

func scanBroadcastMessage(row rowScanner) (BroadcastMessage, error) {
	var (
		m         BroadcastMessage
		expiresAt sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.WorkspaceID, &m.SenderEmail, &m.Body, &m.FileRef, &m.IsPinned, &expiresAt, &m.CreatedAt); err != nil {
		return BroadcastMessage{}, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		m.PinExpiresAt = &t
	}
	return m, nil
}

func (s *PostgresStore) InsertBroadcastMessage(ctx context.Context, m BroadcastMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_messages (id, workspace_id, sender_email, body, file_ref, is_pinned, pin_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, NULL, $6)
	`, m.ID, m.WorkspaceID, m.SenderEmail, nullable(m.Body), nullable(m.FileRef), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert broadcast message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBroadcastMessage(ctx context.Context, id string) (BroadcastMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+broadcastColumns+` FROM broadcast_messages WHERE id = $1`, id)
	return scanBroadcastMessage(row)
}

func (s *PostgresStore) ListBroadcastMessages(ctx context.Context, workspaceID string) ([]BroadcastMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+broadcastColumns+`
		FROM broadcast_messages
		WHERE workspace_id = $1
		ORDER BY created_at ASC, id ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list broadcast messages: %w", err)
	}
	defer rows.Close()
	return collectBroadcastMessages(rows)
}

func collectBroadcastMessages(rows *sql.Rows) ([]BroadcastMessage, error) {
	items := make([]BroadcastMessage, 0)
	for rows.Next() {
		m, err := scanBroadcastMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broadcast message: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteBroadcastMessage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM broadcast_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete broadcast message: %w", err)
	}
	return nil
}

// PinBroadcastMessage pins a message if fewer than limit messages are
// currently pinned in its workspace. Pin mutations for one workspace are
// serialized with a transaction-scoped advisory lock, so the count and the
// update observe the same state.
func (s *PostgresStore) PinBroadcastMessage(ctx context.Context, id, workspaceID string, expiresAt time.Time, limit int) (BroadcastMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BroadcastMessage{}, fmt.Errorf("begin pin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "pins:"+workspaceID); err != nil {
		return BroadcastMessage{}, fmt.Errorf("lock workspace pins: %w", err)
	}

	var pinned int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM broadcast_messages WHERE workspace_id = $1 AND is_pinned
	`, workspaceID).Scan(&pinned); err != nil {
		return BroadcastMessage{}, fmt.Errorf("count pinned: %w", err)
	}
	if pinned >= limit {
		return BroadcastMessage{}, ErrPinLimitReached
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE broadcast_messages
		SET is_pinned = TRUE, pin_expires_at = $2
		WHERE id = $1
		RETURNING `+broadcastColumns, id, expiresAt)
	message, err := scanBroadcastMessage(row)
	if err != nil {
		return BroadcastMessage{}, err
	}

	if err := tx.Commit(); err != nil {
		return BroadcastMessage{}, fmt.Errorf("commit pin: %w", err)
	}
	return message, nil
}

func (s *PostgresStore) UnpinBroadcastMessage(ctx context.Context, id string) (BroadcastMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE broadcast_messages
		SET is_pinned = FALSE, pin_expires_at = NULL
		WHERE id = $1
		RETURNING `+broadcastColumns, id)
	return scanBroadcastMessage(row)
}

func (s *PostgresStore) ListExpiredPins(ctx context.Context, now time.Time) ([]BroadcastMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+broadcastColumns+`
		FROM broadcast_messages
		WHERE is_pinned AND pin_expires_at < $1
		ORDER BY pin_expires_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired pins: %w", err)
	}
	defer rows.Close()
	return collectBroadcastMessages(rows)
}

// ClearExpiredPin unpins the message only while its pin is still expired at
// now, so a re-pin that lands between scan and update is left alone.
func (s *PostgresStore) ClearExpiredPin(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_messages
		SET is_pinned = FALSE, pin_expires_at = NULL
		WHERE id = $1 AND is_pinned AND pin_expires_at < $2
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("clear expired pin: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear expired pin rows: %w", err)
	}
	return affected > 0, nil
}
