package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ChatWatermark returns the last chat message id acknowledged for a channel,
// or "" when the channel has never been polled.
func (s *Store) ChatWatermark(ctx context.Context, channel string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_message_id FROM chat_watermarks WHERE channel = ?;
	`, channel).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read chat watermark: %w", err)
	}
	return id, nil
}

// SetChatWatermark advances the poll watermark for a channel.
func (s *Store) SetChatWatermark(ctx context.Context, channel, lastMessageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_watermarks (channel, last_message_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(channel) DO UPDATE SET last_message_id = excluded.last_message_id, updated_at = CURRENT_TIMESTAMP;
	`, channel, lastMessageID)
	if err != nil {
		return fmt.Errorf("set chat watermark: %w", err)
	}
	return nil
}

// ScheduleLastRun returns the last fire time recorded for a schedule key.
// The zero time means the schedule has never fired.
func (s *Store) ScheduleLastRun(ctx context.Context, key string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT last_run_at FROM schedule_runs WHERE key = ?;
	`, key).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read schedule run: %w", err)
	}
	return t, nil
}

// SetScheduleLastRun records a schedule fire. The watermark advances even
// when downstream enqueue fails, so a broken schedule never replays a
// backlog of missed fires.
func (s *Store) SetScheduleLastRun(ctx context.Context, key string, firedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (key, last_run_at, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET last_run_at = excluded.last_run_at, updated_at = CURRENT_TIMESTAMP;
	`, key, firedAt.UTC())
	if err != nil {
		return fmt.Errorf("set schedule run: %w", err)
	}
	return nil
}

// CreateChecklistTask creates a task and claims its checklist line hash in
// one transaction. fresh is false when another task already owns the hash;
// nothing is written in that case, which is how re-reads of an unchanged
// checklist avoid duplicate tasks even across a crash.
func (s *Store) CreateChecklistTask(ctx context.Context, hash string, nt NewTask) (int64, bool, error) {
	return s.createKeyedTask(ctx, nt, `
		INSERT INTO checklist_items (hash, task_id, created_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(hash) DO NOTHING;
	`, hash, "checklist item")
}

// ChecklistTaskID returns the task owning a checklist hash, or 0.
func (s *Store) ChecklistTaskID(ctx context.Context, hash string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id FROM checklist_items WHERE hash = ?;
	`, hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checklist item: %w", err)
	}
	return id, nil
}

// CreateEmailTask creates a task and claims its thread key in one
// transaction. fresh is false when the thread already produced a task;
// nothing is written in that case.
func (s *Store) CreateEmailTask(ctx context.Context, threadKey string, nt NewTask) (int64, bool, error) {
	return s.createKeyedTask(ctx, nt, `
		INSERT INTO email_threads (thread_key, task_id, created_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(thread_key) DO NOTHING;
	`, threadKey, "email thread")
}

// EmailThreadTaskID returns the task owning an email thread key, or 0.
func (s *Store) EmailThreadTaskID(ctx context.Context, threadKey string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id FROM email_threads WHERE thread_key = ?;
	`, threadKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read email thread: %w", err)
	}
	return id, nil
}

// NotifyPrefs is one user's notification destination overrides. Empty
// fields fall through to deployment defaults.
type NotifyPrefs struct {
	UserID      string `json:"user_id"`
	ChatChannel string `json:"chat_channel,omitempty"`
	Email       string `json:"email,omitempty"`
	PushChatID  int64  `json:"push_chat_id,omitempty"`
}

func (s *Store) GetNotifyPrefs(ctx context.Context, userID string) (NotifyPrefs, error) {
	p := NotifyPrefs{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_channel, email, push_chat_id FROM notify_prefs WHERE user_id = ?;
	`, userID).Scan(&p.ChatChannel, &p.Email, &p.PushChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("read notify prefs: %w", err)
	}
	return p, nil
}

func (s *Store) SetNotifyPrefs(ctx context.Context, p NotifyPrefs) error {
	if p.UserID == "" {
		return fmt.Errorf("set notify prefs: user_id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notify_prefs (user_id, chat_channel, email, push_chat_id, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			chat_channel = excluded.chat_channel,
			email = excluded.email,
			push_chat_id = excluded.push_chat_id,
			updated_at = CURRENT_TIMESTAMP;
	`, p.UserID, p.ChatChannel, p.Email, p.PushChatID)
	if err != nil {
		return fmt.Errorf("set notify prefs: %w", err)
	}
	return nil
}
