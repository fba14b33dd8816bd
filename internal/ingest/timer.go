package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"valet/internal/config"
	"valet/internal/store"
)

// TimerAdapter fires configured cron schedules as background tasks. Each
// schedule keeps a durable last-run watermark that advances on every fire,
// even when task creation fails, so a broken schedule can never replay a
// backlog after restart.
type TimerAdapter struct {
	schedules []config.ScheduleConfig
	store     *store.Store
	log       *slog.Logger
	now       func() time.Time
}

func NewTimerAdapter(schedules []config.ScheduleConfig, st *store.Store, log *slog.Logger) *TimerAdapter {
	return &TimerAdapter{
		schedules: schedules,
		store:     st,
		log:       log.With("adapter", "timer"),
		now:       time.Now,
	}
}

// Poll checks every schedule against its watermark and fires the due ones.
func (a *TimerAdapter) Poll(ctx context.Context) ([]int64, error) {
	now := a.now().UTC()
	var created []int64
	for _, sched := range a.schedules {
		id, err := a.checkSchedule(ctx, sched, now)
		if err != nil {
			a.log.Warn("schedule check failed", "key", sched.Key, "error", err)
			continue
		}
		if id != 0 {
			created = append(created, id)
		}
	}
	return created, nil
}

func (a *TimerAdapter) checkSchedule(ctx context.Context, sched config.ScheduleConfig, now time.Time) (int64, error) {
	expr, err := cron.ParseStandard(sched.Cron)
	if err != nil {
		return 0, fmt.Errorf("parse cron %q: %w", sched.Cron, err)
	}

	last, err := a.store.ScheduleLastRun(ctx, sched.Key)
	if err != nil {
		return 0, err
	}
	if last.IsZero() {
		// First sighting: arm the schedule from now instead of firing for
		// every slot since the epoch.
		return 0, a.store.SetScheduleLastRun(ctx, sched.Key, now)
	}
	if expr.Next(last).After(now) {
		return 0, nil
	}

	// Watermark first. A crash after this point skips one fire rather than
	// repeating it forever.
	if err := a.store.SetScheduleLastRun(ctx, sched.Key, now); err != nil {
		return 0, err
	}

	taskID, err := a.store.CreateTask(ctx, store.NewTask{
		Prompt:  sched.Prompt,
		UserID:  sched.UserID,
		Channel: sched.Channel,
		Source:  store.SourceTimer,
		Queue:   store.QueueBackground,
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue scheduled task: %w", err)
	}
	a.log.Info("task created from schedule", "task_id", taskID, "key", sched.Key)
	return taskID, nil
}
