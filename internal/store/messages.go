package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"valet/internal/tag"
)

// CachedMessage is one chat message mirrored into the local cache. Outbound
// bot messages are cached too so context assembly sees both sides of a
// conversation.
type CachedMessage struct {
	Channel     string    `json:"channel"`
	MessageID   string    `json:"message_id"`
	Sender      string    `json:"sender"`
	Content     string    `json:"content"`
	FromMe      bool      `json:"from_me"`
	TaskRefID   int64     `json:"task_ref_id,omitempty"`
	TaskRefRole tag.Role  `json:"task_ref_role,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UpsertMessage inserts or refreshes one cached message. A task reference
// already stored for the message only advances: an edit carrying a
// lower-precedence role than the stored one keeps the stored reference, so a
// result tag is never downgraded back to progress or ack.
func (s *Store) UpsertMessage(ctx context.Context, msg CachedMessage) error {
	if msg.Channel == "" || msg.MessageID == "" {
		return fmt.Errorf("upsert message: channel and message_id required")
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert message tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := upsertMessageIn(ctx, tx, msg); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// upsertMessageIn applies the upsert inside an open transaction.
func upsertMessageIn(ctx context.Context, tx *sql.Tx, msg CachedMessage) error {
	fromMe := 0
	if msg.FromMe {
		fromMe = 1
	}
	var storedTask sql.NullInt64
	var storedRole sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT task_ref_id, task_ref_role
		FROM messages
		WHERE channel = ? AND message_id = ?;
	`, msg.Channel, msg.MessageID).Scan(&storedTask, &storedRole)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (channel, message_id, sender, content, from_me, task_ref_id, task_ref_role, created_at)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, 0), NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, msg.Channel, msg.MessageID, msg.Sender, msg.Content, fromMe, msg.TaskRefID, string(msg.TaskRefRole)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read cached message: %w", err)
	}

	refID := msg.TaskRefID
	refRole := msg.TaskRefRole
	if storedTask.Valid && storedRole.Valid {
		stored := tag.Role(storedRole.String)
		// Precedence holds across tasks too: a result reference stays no
		// matter which task a later lower-precedence tag points at.
		if refID == 0 || refRole.Precedence() < stored.Precedence() {
			refID = storedTask.Int64
			refRole = stored
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET sender = ?, content = ?, from_me = ?,
			task_ref_id = NULLIF(?, 0), task_ref_role = NULLIF(?, '')
		WHERE channel = ? AND message_id = ?;
	`, msg.Sender, msg.Content, fromMe, refID, string(refRole), msg.Channel, msg.MessageID); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages for the channel in
// chronological order, newest window last.
func (s *Store) RecentMessages(ctx context.Context, channel string, limit int) ([]CachedMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, message_id, sender, content, from_me,
			COALESCE(task_ref_id, 0), COALESCE(task_ref_role, ''), created_at
		FROM (
			SELECT * FROM messages
			WHERE channel = ?
			ORDER BY created_at DESC, message_id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, message_id ASC;
	`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var out []CachedMessage
	for rows.Next() {
		var m CachedMessage
		var fromMe int
		var role string
		if err := rows.Scan(&m.Channel, &m.MessageID, &m.Sender, &m.Content, &fromMe, &m.TaskRefID, &role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cached message: %w", err)
		}
		m.FromMe = fromMe == 1
		m.TaskRefRole = tag.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// HasMessage reports whether a message is already cached.
func (s *Store) HasMessage(ctx context.Context, channel, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE channel = ? AND message_id = ?;
	`, channel, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check cached message: %w", err)
	}
	return true, nil
}

// MessageTaskRef returns the stored task reference for a message, or (0,
// RoleNone) when the message is unknown or untagged.
func (s *Store) MessageTaskRef(ctx context.Context, channel, messageID string) (int64, tag.Role, error) {
	var taskID sql.NullInt64
	var role sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT task_ref_id, task_ref_role FROM messages WHERE channel = ? AND message_id = ?;
	`, channel, messageID).Scan(&taskID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, tag.RoleNone, nil
	}
	if err != nil {
		return 0, tag.RoleNone, fmt.Errorf("read message task ref: %w", err)
	}
	if !taskID.Valid || !role.Valid {
		return 0, tag.RoleNone, nil
	}
	return taskID.Int64, tag.Role(role.String), nil
}
