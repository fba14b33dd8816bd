// Package scheduler runs the worker pool that drains the task queue:
// claim, assemble context, execute the agent, deliver the outcome. Workers
// are stateless; every claim and transition goes through the store so any
// number of them can share one queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"valet/internal/assemble"
	"valet/internal/audit"
	"valet/internal/config"
	"valet/internal/deliver"
	"valet/internal/executor"
	"valet/internal/ingest"
	"valet/internal/store"
	"valet/internal/telemetry"
)

// historyWindow caps how much channel history is even loaded before triage.
const historyWindow = 100

// Scheduler owns the worker pool and the retention sweep.
type Scheduler struct {
	cfg       config.Config
	st        *store.Store
	runner    *executor.Runner
	deliver   *deliver.Deliverer
	assembler *assemble.Assembler
	// checklist finalizes checklist-sourced tasks back into the file; nil
	// when the checklist adapter is disabled.
	checklist *ingest.ChecklistAdapter
	metrics   *telemetry.Metrics
	log       *slog.Logger

	wake chan struct{}
}

func New(cfg config.Config, st *store.Store, runner *executor.Runner, d *deliver.Deliverer, asm *assemble.Assembler, checklist *ingest.ChecklistAdapter, metrics *telemetry.Metrics, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		st:        st,
		runner:    runner,
		deliver:   d,
		assembler: asm,
		checklist: checklist,
		metrics:   metrics,
		log:       log.With("component", "scheduler"),
		wake:      make(chan struct{}, 1),
	}
}

// Wake nudges an idle worker. Ingestion adapters call this as their enqueue
// callback so new tasks start without waiting for the next poll tick.
func (s *Scheduler) Wake(ids []int64) {
	if len(ids) > 0 && s.metrics != nil {
		s.metrics.TasksCreated.Add(context.Background(), int64(len(ids)))
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run operates the pool until ctx is cancelled, then drains: in-flight
// tasks get the configured grace period before their agents are cut off.
func (s *Scheduler) Run(ctx context.Context) error {
	recovered, err := s.st.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight tasks: %w", err)
	}
	if recovered > 0 {
		s.log.Info("recovered in-flight tasks from previous run", "count", recovered)
	}

	// Executions outlive ctx so a shutdown can drain instead of killing.
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()

	// Worker ids carry a process-unique prefix so claims stay attributable
	// when several host processes share one queue database.
	instance := uuid.NewString()[:8]

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.WorkerCount; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%s-%d", instance, i+1)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx, execCtx, workerID)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sweepLoop(ctx)
	}()

	<-ctx.Done()
	s.log.Info("draining workers", "timeout_seconds", s.cfg.DrainTimeoutSeconds)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(s.cfg.DrainTimeoutSeconds) * time.Second):
		s.log.Warn("drain timeout, cancelling in-flight agents")
		execCancel()
		<-done
	}
	return nil
}

func (s *Scheduler) workerLoop(ctx, execCtx context.Context, workerID string) {
	interval := time.Duration(s.cfg.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// Drain everything claimable before sleeping again.
		for {
			if ctx.Err() != nil {
				return
			}
			task, err := s.st.ClaimNext(ctx, workerID)
			if err != nil {
				s.log.Error("claim next task", "worker", workerID, "error", err)
				break
			}
			if task == nil {
				break
			}
			s.execute(execCtx, task, workerID)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// execute drives one claimed task through the full pipeline.
func (s *Scheduler) execute(ctx context.Context, task *store.Task, workerID string) {
	started := time.Now()
	log := s.log.With("task_id", task.ID, "worker", workerID, "source", task.Source)

	if s.finishIfCancelled(ctx, task, nil) {
		log.Info("task cancelled before start")
		return
	}

	ok, err := s.st.MarkRunning(ctx, task.ID, workerID)
	if err != nil || !ok {
		log.Warn("lost task ownership before start", "error", err)
		return
	}

	resources, err := s.st.ListResources(ctx, task.UserID, "")
	if err != nil {
		log.Warn("list resources, running without grants", "error", err)
		resources = nil
	}

	prompt := s.buildPrompt(ctx, task)
	env := executor.TaskEnv(s.cfg, *task, resources, log)

	progress := s.deliver.Progress(task)
	if task.Source == store.SourceChat {
		progress.Ack(ctx)
	}
	runLog := s.deliver.RunLogFor(ctx, task)
	runLog.Start(ctx)

	// Cancellation is cooperative: a cancel request unblocks the channel for
	// new admissions immediately but never kills a running agent. The flag
	// is observed again once the run finishes.
	summary, runErr := s.runner.Run(ctx, executor.Request{
		Task:      *task,
		Prompt:    prompt,
		IsAdmin:   s.cfg.IsAdmin(task.UserID),
		Resources: resources,
		Env:       env,
		OnEvent: func(e executor.Event) {
			switch e.Kind {
			case executor.EventText:
				progress.Update(ctx, e.Text)
				runLog.Append(ctx, e.Text)
			case executor.EventToolUse:
				runLog.Append(ctx, "using "+e.Text)
			}
		},
	})

	if s.finishIfCancelled(ctx, task, runLog) {
		log.Info("task cancelled during run, discarding outcome")
		return
	}

	duration := time.Since(started)
	if runErr != nil {
		s.handleFailure(ctx, task, runLog, runErr, log, duration)
		return
	}

	if err := s.st.Complete(ctx, task.ID, summary); err != nil {
		log.Error("mark task completed", "error", err)
		return
	}
	log.Info("task completed", "duration", duration)
	audit.Record(audit.KindTaskCompleted, task.ID, task.UserID, "")
	if s.metrics != nil {
		s.metrics.TasksCompleted.Add(ctx, 1)
		s.metrics.TaskDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(telemetry.TaskAttrs(string(task.Source), "completed")...))
	}
	s.deliver.DeliverResult(ctx, task, summary, false)
	runLog.Finalize(ctx, summary, false)
	s.finalizeChecklist(ctx, task, summary, false)
}

func (s *Scheduler) handleFailure(ctx context.Context, task *store.Task, runLog *deliver.RunLog, runErr error, log *slog.Logger, duration time.Duration) {
	retryable := executor.IsRetryable(runErr)
	outcome, err := s.st.FailOrRetry(ctx, task.ID, runErr.Error(), retryable)
	if err != nil {
		log.Error("record task failure", "error", err, "run_error", runErr)
		return
	}
	if outcome == store.FailureOutcomeRetried {
		log.Warn("task failed, will retry", "error", runErr)
		if s.metrics != nil {
			s.metrics.TasksRetried.Add(ctx, 1)
		}
		return
	}
	log.Error("task failed terminally", "error", runErr, "duration", duration)
	audit.Record(audit.KindTaskFailed, task.ID, task.UserID, runErr.Error())
	if s.metrics != nil {
		s.metrics.TasksFailed.Add(ctx, 1)
		s.metrics.TaskDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(telemetry.TaskAttrs(string(task.Source), "failed")...))
	}
	s.deliver.DeliverResult(ctx, task, runErr.Error(), true)
	runLog.Finalize(ctx, runErr.Error(), true)
	s.finalizeChecklist(ctx, task, runErr.Error(), true)
}

// finishIfCancelled observes the cooperative cancel flag and settles the
// task when it is set. Reports whether the task was cancelled.
func (s *Scheduler) finishIfCancelled(ctx context.Context, task *store.Task, runLog *deliver.RunLog) bool {
	cancelled, err := s.st.IsCancelRequested(ctx, task.ID)
	if err != nil || !cancelled {
		return false
	}
	if _, err := s.st.FinishCancelled(ctx, task.ID); err != nil {
		s.log.Error("finish cancelled task", "task_id", task.ID, "error", err)
	}
	audit.Record(audit.KindTaskCancelled, task.ID, task.UserID, "")
	if runLog != nil {
		runLog.Finalize(ctx, "cancelled by user", true)
	}
	s.finalizeChecklist(ctx, task, "cancelled by user", true)
	return true
}

func (s *Scheduler) finalizeChecklist(ctx context.Context, task *store.Task, summary string, failed bool) {
	if s.checklist == nil || task.Source != store.SourceChecklist {
		return
	}
	if err := s.checklist.Finalize(ctx, task.ID, summary, failed); err != nil {
		s.log.Warn("finalize checklist item", "task_id", task.ID, "error", err)
	}
}

// buildPrompt prepends the triaged channel transcript to the task prompt
// for channel-scoped tasks. Tasks without a channel run on the bare prompt.
func (s *Scheduler) buildPrompt(ctx context.Context, task *store.Task) string {
	if task.Channel == "" {
		return task.Prompt
	}
	history, err := s.st.RecentMessages(ctx, task.Channel, historyWindow)
	if err != nil {
		s.log.Warn("load channel history", "task_id", task.ID, "error", err)
		return task.Prompt
	}
	selected := s.assembler.SelectRelevantContext(ctx, task.Prompt, history)
	if len(selected) == 0 {
		return task.Prompt
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, m := range selected {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	b.WriteString("\nRequest: ")
	b.WriteString(task.Prompt)
	return b.String()
}

// sweepLoop deletes terminal tasks past the retention window once an hour.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	if s.cfg.RetentionDays <= 0 {
		return
	}
	retention := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.st.SweepFinishedTasks(ctx, retention)
			if err != nil {
				s.log.Error("retention sweep", "error", err)
				continue
			}
			if swept > 0 {
				s.log.Info("swept finished tasks", "count", swept)
			}
		}
	}
}
