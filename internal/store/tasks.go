package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusLocked    TaskStatus = "locked"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

type TaskSource string

const (
	SourceChat      TaskSource = "chat"
	SourceEmail     TaskSource = "email"
	SourceChecklist TaskSource = "checklist"
	SourceTimer     TaskSource = "timer"
	SourceDirect    TaskSource = "direct"
)

type TaskQueue string

const (
	QueueForeground TaskQueue = "foreground"
	QueueBackground TaskQueue = "background"
)

type Task struct {
	ID              int64      `json:"id"`
	Prompt          string     `json:"prompt"`
	UserID          string     `json:"user_id"`
	Channel         string     `json:"channel,omitempty"`
	Source          TaskSource `json:"source"`
	Queue           TaskQueue  `json:"queue"`
	Status          TaskStatus `json:"status"`
	Attempt         int        `json:"attempt"`
	MaxAttempts     int        `json:"max_attempts"`
	CancelRequested bool       `json:"cancel_requested"`
	WorkerID        string     `json:"worker_id,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewTask carries the fields callers supply when enqueuing work.
type NewTask struct {
	Prompt      string
	UserID      string
	Channel     string
	Source      TaskSource
	Queue       TaskQueue
	MaxAttempts int
}

const taskColumns = `
	id, prompt, user_id, COALESCE(channel, ''), source, queue, status,
	attempt, max_attempts, cancel_requested, COALESCE(worker_id, ''),
	COALESCE(result, ''), COALESCE(error, ''),
	created_at, started_at, finished_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var started, finished sql.NullTime
	var cancel int
	if err := scanFn(
		&task.ID,
		&task.Prompt,
		&task.UserID,
		&task.Channel,
		&task.Source,
		&task.Queue,
		&task.Status,
		&task.Attempt,
		&task.MaxAttempts,
		&cancel,
		&task.WorkerID,
		&task.Result,
		&task.Error,
		&task.CreatedAt,
		&started,
		&finished,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.CancelRequested = cancel == 1
	if started.Valid {
		t := started.Time
		task.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		task.FinishedAt = &t
	}
	return nil
}

func normalizeNewTask(nt *NewTask) error {
	if nt.Prompt == "" {
		return fmt.Errorf("create task: prompt required")
	}
	if nt.UserID == "" {
		return fmt.Errorf("create task: user_id required")
	}
	if nt.Queue == "" {
		nt.Queue = QueueForeground
	}
	if nt.MaxAttempts <= 0 {
		nt.MaxAttempts = 3
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, ex execer, nt NewTask) (int64, error) {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO tasks (prompt, user_id, channel, source, queue, status, max_attempts, created_at, updated_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, nt.Prompt, nt.UserID, nt.Channel, nt.Source, nt.Queue, TaskStatusPending, nt.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	taskID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("task insert id: %w", err)
	}
	return taskID, nil
}

// CreateTask enqueues a new pending task and returns its id. Ids are
// allocated by AUTOINCREMENT so they are strictly increasing and survive
// restarts.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (int64, error) {
	if err := normalizeNewTask(&nt); err != nil {
		return 0, err
	}
	var taskID int64
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		taskID, err = insertTask(ctx, s.db, nt)
		return err
	})
	if err != nil {
		return 0, err
	}
	return taskID, nil
}

// CreateChatTask creates a task and caches its originating message in one
// transaction, so a crash mid-poll can never replay a cached message into a
// second task: either both rows exist or neither does.
func (s *Store) CreateChatTask(ctx context.Context, nt NewTask, msg CachedMessage) (int64, error) {
	if err := normalizeNewTask(&nt); err != nil {
		return 0, err
	}
	if msg.Channel == "" || msg.MessageID == "" {
		return 0, fmt.Errorf("create chat task: channel and message_id required")
	}
	var taskID int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create chat task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		taskID, err = insertTask(ctx, tx, nt)
		if err != nil {
			return err
		}
		if err := upsertMessageIn(ctx, tx, msg); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return taskID, nil
}

// createKeyedTask inserts a task and claims a dedup key in one transaction.
// When another task already owns the key nothing is written and fresh is
// false.
func (s *Store) createKeyedTask(ctx context.Context, nt NewTask, registerSQL, key, label string) (int64, bool, error) {
	if err := normalizeNewTask(&nt); err != nil {
		return 0, false, err
	}
	var taskID int64
	var fresh bool
	err := retryOnBusy(ctx, 5, func() error {
		taskID, fresh = 0, false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create %s task tx: %w", label, err)
		}
		defer func() { _ = tx.Rollback() }()
		id, err := insertTask(ctx, tx, nt)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, registerSQL, key, id)
		if err != nil {
			return fmt.Errorf("register %s: %w", label, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s rows affected: %w", label, err)
		}
		if n == 0 {
			// Another task owns the key; the rollback discards ours.
			return nil
		}
		taskID, fresh = id, true
		return tx.Commit()
	})
	if err != nil {
		return 0, false, err
	}
	return taskID, fresh, nil
}

// ClaimNext atomically locks the oldest admissible pending task for workerID.
// A foreground task is admissible only when its channel has no other locked
// or running foreground task whose cancellation has not been requested.
// Background tasks bypass channel admission entirely. Returns (nil, nil) when
// nothing is admissible; a lost CAS race is not an error.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks t
			WHERE t.status = ?
			  AND t.cancel_requested = 0
			  AND (
				t.queue = ?
				OR NOT EXISTS (
					SELECT 1 FROM tasks a
					WHERE a.status IN (?, ?)
					  AND a.cancel_requested = 0
					  AND a.queue = ?
					  AND COALESCE(a.channel, '') = COALESCE(t.channel, '')
				)
			  )
			ORDER BY t.id ASC
			LIMIT 1;
		`, TaskStatusPending, QueueBackground, TaskStatusLocked, TaskStatusRunning, QueueForeground)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select admissible task: %w", scanErr)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, worker_id = ?, attempt = attempt + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskStatusLocked, workerID, task.ID, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("lock task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lock rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.Status = TaskStatusLocked
		task.WorkerID = workerID
		task.Attempt++
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkRunning transitions a locked task to running, guarded by worker
// ownership. Returns false when the task is no longer locked by workerID.
func (s *Store) MarkRunning(ctx context.Context, taskID int64, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND worker_id = ?;
	`, TaskStatusRunning, taskID, TaskStatusLocked, workerID)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark running rows affected: %w", err)
	}
	return n == 1, nil
}

// Complete records a successful result and finishes the task.
func (s *Store) Complete(ctx context.Context, taskID int64, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, error = NULL, worker_id = NULL,
			finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?);
	`, TaskStatusCompleted, result, taskID, TaskStatusLocked, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete rows affected: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

type FailureOutcome string

const (
	FailureOutcomeRetried FailureOutcome = "retried"
	FailureOutcomeFailed  FailureOutcome = "failed"
)

// FailOrRetry handles a failed execution attempt. Retryable errors return
// the task to pending until max_attempts is exhausted; everything else, and
// cancelled tasks, finish as failed.
func (s *Store) FailOrRetry(ctx context.Context, taskID int64, errMsg string, retryable bool) (FailureOutcome, error) {
	var outcome FailureOutcome
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		var attempt, maxAttempts, cancel int
		if err := tx.QueryRowContext(ctx, `
			SELECT status, attempt, max_attempts, cancel_requested
			FROM tasks
			WHERE id = ?;
		`, taskID).Scan(&status, &attempt, &maxAttempts, &cancel); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select task for failure: %w", err)
		}
		if status != TaskStatusLocked && status != TaskStatusRunning {
			return sql.ErrNoRows
		}

		if retryable && cancel == 0 && attempt < maxAttempts {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, worker_id = NULL, error = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, TaskStatusPending, errMsg, taskID); err != nil {
				return fmt.Errorf("requeue for retry: %w", err)
			}
			outcome = FailureOutcomeRetried
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, worker_id = NULL, error = ?,
				finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, TaskStatusFailed, errMsg, taskID); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		outcome = FailureOutcomeFailed
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// RequestCancel flips the cooperative cancellation flag on a live task.
// The running agent keeps its process until it next observes the flag.
// Returns false when the task is already terminal or unknown.
func (s *Store) RequestCancel(ctx context.Context, taskID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?, ?);
	`, taskID, TaskStatusPending, TaskStatusLocked, TaskStatusRunning)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel rows affected: %w", err)
	}
	return n == 1, nil
}

// IsCancelRequested reads the cancellation flag.
func (s *Store) IsCancelRequested(ctx context.Context, taskID int64) (bool, error) {
	var flag int
	if err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?;`, taskID).Scan(&flag); err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag == 1, nil
}

// FinishCancelled resolves a cancelled task as failed with a cancellation
// error. Pending tasks can be resolved directly; live ones only by the
// worker that observed the flag.
func (s *Store) FinishCancelled(ctx context.Context, taskID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, worker_id = NULL, error = 'cancelled by user',
			finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND cancel_requested = 1 AND status IN (?, ?, ?);
	`, TaskStatusFailed, taskID, TaskStatusPending, TaskStatusLocked, TaskStatusRunning)
	if err != nil {
		return false, fmt.Errorf("finish cancelled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish cancelled rows affected: %w", err)
	}
	return n == 1, nil
}

// RecoverInFlight requeues tasks left locked or running by a previous
// process. Called once at startup before workers spin up.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, worker_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE status IN (?, ?);
	`, TaskStatusPending, TaskStatusLocked, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight tasks: %w", err)
	}
	return res.RowsAffected()
}

// HasActiveForegroundTask reports whether the channel currently has a locked
// or running foreground task whose cancellation has not been requested.
func (s *Store) HasActiveForegroundTask(ctx context.Context, channel string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE status IN (?, ?)
		  AND cancel_requested = 0
		  AND queue = ?
		  AND COALESCE(channel, '') = ?;
	`, TaskStatusLocked, TaskStatusRunning, QueueForeground, channel).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count active foreground: %w", err)
	}
	return count > 0, nil
}

// CountPending returns the number of queued tasks.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var pending int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status = ?;`, TaskStatusPending).Scan(&pending); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return pending, nil
}

// CountPendingFor returns the number of queued tasks for one user and queue
// class.
func (s *Store) CountPendingFor(ctx context.Context, userID string, queue TaskQueue) (int, error) {
	var pending int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE status = ? AND user_id = ? AND queue = ?;
	`, TaskStatusPending, userID, queue).Scan(&pending)
	if err != nil {
		return 0, fmt.Errorf("count pending for %s: %w", userID, err)
	}
	return pending, nil
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t WHERE id = ?;
	`, taskID).Scan, &task)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d not found", taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasksByStatus returns up to limit tasks in the given status, oldest
// first.
func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t WHERE status = ? ORDER BY id ASC LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StatusCounts is a snapshot of queue depth by status.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Locked    int `json:"locked"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Store) TaskStatusCounts(ctx context.Context) (StatusCounts, error) {
	var c StatusCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'locked' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM tasks;
	`)
	if err := row.Scan(&c.Pending, &c.Locked, &c.Running, &c.Completed, &c.Failed); err != nil {
		return c, fmt.Errorf("task status counts: %w", err)
	}
	return c, nil
}

// SweepFinishedTasks deletes terminal tasks older than the retention window,
// along with their dedup bookkeeping rows. Returns the number of tasks
// removed.
func (s *Store) SweepFinishedTasks(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM checklist_items
			WHERE task_id IN (
				SELECT id FROM tasks
				WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?
			);
		`, TaskStatusCompleted, TaskStatusFailed, cutoff); err != nil {
			return fmt.Errorf("sweep checklist items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM email_threads
			WHERE task_id IN (
				SELECT id FROM tasks
				WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?
			);
		`, TaskStatusCompleted, TaskStatusFailed, cutoff); err != nil {
			return fmt.Errorf("sweep email threads: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?;
		`, TaskStatusCompleted, TaskStatusFailed, cutoff)
		if err != nil {
			return fmt.Errorf("sweep tasks: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sweep rows affected: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
